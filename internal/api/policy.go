package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/identity"
	"github.com/jmerrifield20/trustchain/internal/node"
	"github.com/jmerrifield20/trustchain/internal/policy"
)

// PolicyHandler manages policies and answers access requests.
type PolicyHandler struct {
	node   *node.Node
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler.
func NewPolicyHandler(n *node.Node, tokens *identity.TokenIssuer, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{node: n, tokens: tokens, logger: logger}
}

// Register mounts the policy and access routes on the given router group.
func (h *PolicyHandler) Register(rg *gin.RouterGroup) {
	auth := authMiddleware(h.tokens)

	p := rg.Group("/policies")
	{
		p.GET("", h.List)
		p.GET("/:id", h.Get)
		p.GET("/:id/history", h.History)
		p.POST("", auth, h.Deploy)
		p.PUT("/:id", auth, h.Update)
		p.DELETE("/:id", auth, h.Revoke)
	}
	rg.POST("/access/evaluate", auth, h.Evaluate)
}

// List handles GET /policies.
func (h *PolicyHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": h.node.Engine().List()})
}

// Get handles GET /policies/:id.
func (h *PolicyHandler) Get(c *gin.Context) {
	p, err := h.node.Engine().Get(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// History handles GET /policies/:id/history.
func (h *PolicyHandler) History(c *gin.Context) {
	versions, err := h.node.Engine().History(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// Deploy handles POST /policies.
func (h *PolicyHandler) Deploy(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.node.Engine().Deploy(c.Request.Context(), p, actorFromCtx(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, out)
}

// Update handles PUT /policies/:id.
func (h *PolicyHandler) Update(c *gin.Context) {
	var p policy.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.node.Engine().Update(c.Request.Context(), c.Param("id"), p, actorFromCtx(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// Revoke handles DELETE /policies/:id.
func (h *PolicyHandler) Revoke(c *gin.Context) {
	out, err := h.node.Engine().Revoke(c.Request.Context(), c.Param("id"), actorFromCtx(c))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// evaluateRequest is the body of POST /access/evaluate. The subject's
// identity comes from the bearer token when one is present.
type evaluateRequest struct {
	PolicyID          string            `json:"policyId"`
	Resource          string            `json:"resource" binding:"required"`
	Action            string            `json:"action" binding:"required"`
	DeviceFingerprint string            `json:"deviceFingerprint"`
	Signature         string            `json:"signature"`
	Attributes        map[string]string `json:"attributes"`

	// Used only when the route is unauthenticated.
	ActorID     string   `json:"actorId"`
	Roles       []string `json:"roles"`
	TrustScore  int      `json:"trustScore"`
	MFAVerified bool     `json:"mfaVerified"`
}

// Evaluate handles POST /access/evaluate. Denials are 200 responses with
// allowed=false; only malformed requests and unknown policies are errors.
func (h *PolicyHandler) Evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ec := policy.EvalContext{
		ActorID:           req.ActorID,
		Roles:             req.Roles,
		Resource:          req.Resource,
		Action:            req.Action,
		Timestamp:         time.Now().UTC(),
		IP:                c.ClientIP(),
		DeviceFingerprint: req.DeviceFingerprint,
		TrustScore:        req.TrustScore,
		MFAVerified:       req.MFAVerified,
		Signature:         req.Signature,
		Attributes:        req.Attributes,
	}
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		ec.ActorID = claims.ActorID
		ec.Roles = claims.Roles
		ec.MFAVerified = claims.MFA
		ec.TrustScore = 0
		if claims.TrustScore != nil {
			ec.TrustScore = *claims.TrustScore
		}
	}

	v, err := h.node.EvaluateAccess(c.Request.Context(), req.PolicyID, ec)
	if err != nil && v == nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("verdict not recorded", zap.String("actor", ec.ActorID), zap.Error(err))
	}
	c.JSON(http.StatusOK, v)
}
