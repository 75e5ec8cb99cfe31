package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/identity"
	"github.com/jmerrifield20/trustchain/internal/node"
)

// LedgerHandler exposes the chain, event submission and audit queries.
type LedgerHandler struct {
	node   *node.Node
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. A nil tokens issuer leaves
// the mutating routes unauthenticated.
func NewLedgerHandler(n *node.Node, tokens *identity.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{node: n, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	auth := authMiddleware(h.tokens)

	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/export", h.Export)
		l.POST("/mine", auth, h.Mine)
		l.POST("/archive", auth, h.Archive)
	}
	rg.POST("/events", auth, h.SubmitEvent)
	rg.GET("/events/pending", h.Pending)
	rg.GET("/audit", h.Audit)
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l := h.node.Ledger()
	tip := l.LastBlock()
	c.JSON(http.StatusOK, gin.H{
		"length":     l.Len(),
		"tip":        tip.Hash,
		"difficulty": l.Difficulty(),
		"pending":    l.PendingCount(),
		"state":      l.State().String(),
		"node":       h.node.ID(),
	})
}

// Verify handles GET /ledger/verify and names the first bad block.
func (h *LedgerHandler) Verify(c *gin.Context) {
	err := h.node.Ledger().Validate()
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}
	h.logger.Warn("chain integrity check failed", zap.Error(err))
	resp := gin.H{"valid": false, "error": err.Error()}
	var ie *chain.IntegrityError
	if errors.As(err, &ie) {
		resp["index"] = ie.Index
	}
	c.JSON(http.StatusOK, resp)
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}
	b, err := h.node.Ledger().Block(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, b)
}

// Export handles GET /ledger/export.
func (h *LedgerHandler) Export(c *gin.Context) {
	data, err := h.node.ExportChain()
	if err != nil {
		h.logger.Error("export chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export chain"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="chain.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// Mine handles POST /ledger/mine.
func (h *LedgerHandler) Mine(c *gin.Context) {
	b, err := h.node.MineNow(c.Request.Context(), actorFromCtx(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, b)
}

// Archive handles POST /ledger/archive.
func (h *LedgerHandler) Archive(c *gin.Context) {
	loc, err := h.node.Archive(c.Request.Context())
	if err != nil {
		h.logger.Error("archive chain", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"location": loc})
}

// SubmitEvent handles POST /events. The authenticated actor overrides any
// actorId in the body.
func (h *LedgerHandler) SubmitEvent(c *gin.Context) {
	var e chain.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if actor := actorFromCtx(c); actor != anonymous {
		e.ActorID = actor
	}
	if err := h.node.SubmitEvent(c.Request.Context(), e); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pending": h.node.Ledger().PendingCount()})
}

// Pending handles GET /events/pending.
func (h *LedgerHandler) Pending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.node.Ledger().Pending()})
}

// Audit handles GET /audit?resource=.
func (h *LedgerHandler) Audit(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource query parameter is required"})
		return
	}
	events := h.node.GetAuditTrail(resource)
	if events == nil {
		events = []chain.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"resource": resource, "events": events})
}

// ── Auth helpers ─────────────────────────────────────────────────────────────

const anonymous = "anonymous"

func authMiddleware(tokens *identity.TokenIssuer) gin.HandlerFunc {
	if tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return identity.RequireToken(tokens)
}

func actorFromCtx(c *gin.Context) string {
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		return claims.ActorID
	}
	return anonymous
}
