// Package peersync carries blocks, pending events and sync exchanges between
// nodes over a pluggable transport.
package peersync

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// ProtocolVersion is the wire protocol spoken by this node. Peers whose major
// version differs are ignored.
const ProtocolVersion = "1.0.0"

// Message types.
const (
	TypeBlock        = "block"
	TypeTransaction  = "transaction"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
)

// Message is the envelope exchanged between peers.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Protocol  string          `json:"protocol"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// SyncRequest asks a peer for its chain from FromIndex onward.
type SyncRequest struct {
	FromIndex int `json:"fromIndex"`
}

// SyncResponse carries chain[FromIndex:].
type SyncResponse struct {
	FromIndex int            `json:"fromIndex"`
	Blocks    []*chain.Block `json:"blocks"`
}

// NewMessage wraps payload in an envelope stamped with the local protocol version.
func NewMessage(typ, from string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Message{Type: typ, From: from, Protocol: ProtocolVersion, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

var compatible = mustMajorConstraint(ProtocolVersion)

func mustMajorConstraint(v string) *semver.Constraints {
	ver := semver.MustParse(v)
	c, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", ver.Major()))
	if err != nil {
		panic(err)
	}
	return c
}

// Compatible reports whether a peer speaking protocol can be talked to.
func Compatible(protocol string) bool {
	v, err := semver.NewVersion(protocol)
	if err != nil {
		return false
	}
	return compatible.Check(v)
}

func encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
