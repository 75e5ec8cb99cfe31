package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/health"
	"github.com/jmerrifield20/trustchain/internal/peersync"
)

// Inbox accepts peer messages received over HTTP. *peersync.HTTPTransport
// satisfies it.
type Inbox interface {
	Deliver(msg peersync.Message) error
}

// StatusSource reports peer liveness. *health.Checker satisfies it.
type StatusSource interface {
	Statuses() []health.PeerStatus
}

// PeerHandler is the HTTP endpoint of the peer protocol.
type PeerHandler struct {
	inbox  Inbox
	status StatusSource
	logger *zap.Logger
}

// NewPeerHandler creates a new PeerHandler.
func NewPeerHandler(inbox Inbox, logger *zap.Logger) *PeerHandler {
	return &PeerHandler{inbox: inbox, logger: logger}
}

// SetStatusSource enables GET /peers.
func (h *PeerHandler) SetStatusSource(src StatusSource) {
	h.status = src
}

// Register mounts POST /peer/messages, matching peersync.MessagesPath.
func (h *PeerHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/peer/messages", h.Receive)
	if h.status != nil {
		rg.GET("/peers", h.Peers)
	}
}

// Peers handles GET /peers.
func (h *PeerHandler) Peers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.status.Statuses()})
}

// Receive handles POST /peer/messages. Processing is asynchronous, so a
// 202 only means the message was queued.
func (h *PeerHandler) Receive(c *gin.Context) {
	var msg peersync.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.Type == "" || msg.From == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type and from are required"})
		return
	}
	if !peersync.Compatible(msg.Protocol) {
		c.JSON(http.StatusUpgradeRequired, gin.H{
			"error":    "incompatible protocol version",
			"protocol": peersync.ProtocolVersion,
		})
		return
	}
	if err := h.inbox.Deliver(msg); err != nil {
		h.logger.Warn("peer message dropped", zap.String("from", msg.From), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
