package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/identity"
)

// TokenHandler mints actor tokens for operators holding the admin secret.
type TokenHandler struct {
	tokens      *identity.TokenIssuer
	adminSecret string
	logger      *zap.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(tokens *identity.TokenIssuer, adminSecret string, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, adminSecret: adminSecret, logger: logger}
}

// Register mounts the token routes on the given router group.
func (h *TokenHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/tokens", identity.RequireAdmin(h.adminSecret), h.Issue)
	rg.GET("/tokens/key", h.PublicKey)
}

// Issue handles POST /tokens.
func (h *TokenHandler) Issue(c *gin.Context) {
	var req identity.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, claims, err := h.tokens.Issue(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"token_type": "Bearer",
		"expires_at": claims.ExpiresAt.Time,
		"actor_id":   claims.ActorID,
	})
}

// PublicKey handles GET /tokens/key, serving the PEM verification key.
func (h *TokenHandler) PublicKey(c *gin.Context) {
	pemStr, err := h.tokens.PublicKeyPEM()
	if err != nil {
		h.logger.Error("marshal token key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export key"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", []byte(pemStr))
}
