package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched by a node.
const (
	EventBlockMined    = "block.mined"
	EventChainReplaced = "chain.replaced"
	EventAccessDenied  = "access.denied"
	EventPeerDegraded  = "peer.degraded"
	EventPeerRecovered = "peer.recovered"
)

// KnownEvents lists every event type a subscription may name.
var KnownEvents = []string{
	EventBlockMined,
	EventChainReplaced,
	EventAccessDenied,
	EventPeerDegraded,
	EventPeerRecovered,
}

// Subscription delivers matching events to URL, signed with Secret.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // never returned in API responses
	CreatedAt time.Time `json:"created_at"`
}

// Event is the JSON body POSTed to subscribers.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Node      string            `json:"node"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventID        uuid.UUID `json:"event_id"`
	EventType      string    `json:"event_type"`
	StatusCode     int       `json:"status_code"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// SubscriptionConfig is the config-file form of a subscription.
type SubscriptionConfig struct {
	URL    string   `mapstructure:"url"`
	Events []string `mapstructure:"events"`
	Secret string   `mapstructure:"secret"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscriptionResponse returns the generated secret exactly once.
type CreateSubscriptionResponse struct {
	Subscription
	Secret string `json:"secret"`
}
