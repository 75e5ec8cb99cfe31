package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

// Known event kinds. Any other Type is carried as an opaque RawPayload.
const (
	KindAuditLog          = "audit_log"
	KindPermissionGranted = "permission_granted"
	KindPermissionRevoked = "permission_revoked"
	KindAccessGranted     = "ACCESS_GRANTED"
	KindAccessDenied      = "ACCESS_DENIED"
	KindPolicyDeployed    = "policy_deployed"
	KindPolicyUpdated     = "policy_updated"
	KindPolicyRevoked     = "policy_revoked"
	KindIdentityIssued    = "identity_issued"
	KindKeyRotated        = "key_rotated"
	KindGenesis           = "chain_genesis"
)

// Event is a single auditable fact. It is immutable once included in a Block.
type Event struct {
	Type       string  `json:"type"`
	Payload    Payload `json:"payload"`
	ActorID    string  `json:"actorId,omitempty"`
	OccurredAt int64   `json:"occurredAt"` // ms since epoch
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload Payload, actorID string) Event {
	return Event{
		Type:       kind,
		Payload:    payload,
		ActorID:    actorID,
		OccurredAt: time.Now().UnixMilli(),
	}
}

// Payload is the closed union of event payloads. Known kinds decode into their
// concrete struct; everything else decodes into RawPayload.
type Payload interface {
	isPayload()
}

// AuditLog is a free-form audit entry about a resource.
type AuditLog struct {
	Resource string            `json:"resource"`
	Action   string            `json:"action"`
	Message  string            `json:"message,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// PermissionChange records a grant or revocation.
type PermissionChange struct {
	Resource   string `json:"resource"`
	Subject    string `json:"subject"`
	Permission string `json:"permission"`
}

// AccessDecision is the verdict written by the policy engine.
type AccessDecision struct {
	PolicyID          string   `json:"policyId,omitempty"`
	PolicyVersion     int      `json:"policyVersion,omitempty"`
	Resource          string   `json:"resource"`
	Action            string   `json:"action,omitempty"`
	Allowed           bool     `json:"allowed"`
	MatchedConditions []string `json:"matchedConditions,omitempty"`
	FailedConditions  []string `json:"failedConditions,omitempty"`
	RiskScore         int      `json:"riskScore"`
	RequiresApproval  bool     `json:"requiresApproval"`
}

// PolicyChange records a policy deployment, update or revocation.
type PolicyChange struct {
	PolicyID string `json:"policyId"`
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Version  int    `json:"version"`
	IsActive bool   `json:"isActive"`
}

// IdentityIssued records a credential handed to an actor.
type IdentityIssued struct {
	Subject   string   `json:"subject"`
	Roles     []string `json:"roles,omitempty"`
	TokenID   string   `json:"tokenId,omitempty"`
	ExpiresAt int64    `json:"expiresAt,omitempty"`
}

// KeyRotated records a signing key change.
type KeyRotated struct {
	KeyID         string `json:"keyId"`
	PreviousKeyID string `json:"previousKeyId,omitempty"`
	Algorithm     string `json:"algorithm"`
}

// ChainInit is the payload of the synthetic genesis event.
type ChainInit struct {
	Message string `json:"message"`
}

// RawPayload is the opaque JSON fallback for application-specific kinds.
type RawPayload json.RawMessage

// MarshalJSON returns the raw bytes unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (*AuditLog) isPayload()         {}
func (*PermissionChange) isPayload() {}
func (*AccessDecision) isPayload()   {}
func (*PolicyChange) isPayload()     {}
func (*IdentityIssued) isPayload()   {}
func (*KeyRotated) isPayload()       {}
func (*ChainInit) isPayload()        {}
func (RawPayload) isPayload()        {}

var knownKinds = map[string]func() Payload{
	KindAuditLog:          func() Payload { return &AuditLog{} },
	KindPermissionGranted: func() Payload { return &PermissionChange{} },
	KindPermissionRevoked: func() Payload { return &PermissionChange{} },
	KindAccessGranted:     func() Payload { return &AccessDecision{} },
	KindAccessDenied:      func() Payload { return &AccessDecision{} },
	KindPolicyDeployed:    func() Payload { return &PolicyChange{} },
	KindPolicyUpdated:     func() Payload { return &PolicyChange{} },
	KindPolicyRevoked:     func() Payload { return &PolicyChange{} },
	KindIdentityIssued:    func() Payload { return &IdentityIssued{} },
	KindKeyRotated:        func() Payload { return &KeyRotated{} },
	KindGenesis:           func() Payload { return &ChainInit{} },
}

// IsKnownKind reports whether kind decodes into a typed payload.
func IsKnownKind(kind string) bool {
	_, ok := knownKinds[kind]
	return ok
}

// UnmarshalJSON decodes the payload according to Type. Known kinds are decoded
// strictly so that re-encoding reproduces the hashed form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type       string          `json:"type"`
		Payload    json.RawMessage `json:"payload"`
		ActorID    string          `json:"actorId"`
		OccurredAt int64           `json:"occurredAt"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Type:       wire.Type,
		Payload:    payload,
		ActorID:    wire.ActorID,
		OccurredAt: wire.OccurredAt,
	}
	return nil
}

func decodePayload(kind string, raw json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	ctor, ok := knownKinds[kind]
	if !ok {
		return RawPayload(append([]byte(nil), trimmed...)), nil
	}
	p := ctor()
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

// Canonical returns the RFC 8785 canonical JSON encoding of the event.
func (e Event) Canonical() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return out, nil
}

// Digest returns H(event) over the canonical encoding.
func (e Event) Digest(h chaincrypto.Hasher) ([]byte, error) {
	canon, err := e.Canonical()
	if err != nil {
		return nil, err
	}
	return h.Hash(canon), nil
}

// Resource returns the resource an event concerns, or "" if it names none.
func (e Event) Resource() string {
	switch p := e.Payload.(type) {
	case *AuditLog:
		return p.Resource
	case *PermissionChange:
		return p.Resource
	case *AccessDecision:
		return p.Resource
	case *PolicyChange:
		return p.Resource
	case RawPayload:
		var ref struct {
			Resource string `json:"resource"`
		}
		if json.Unmarshal(p, &ref) == nil {
			return ref.Resource
		}
	}
	return ""
}
