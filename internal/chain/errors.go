package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an operation conflicts with the ledger's current state
	// (e.g. mining while a sync is in progress).
	ErrBusy = errors.New("ledger busy")

	// ErrNoPending is returned when mining is requested with an empty pending buffer.
	ErrNoPending = errors.New("no pending events")

	// ErrNotFound is returned for out-of-range block lookups.
	ErrNotFound = errors.New("block not found")

	// ErrTipChanged is returned when a block no longer extends the current tip.
	ErrTipChanged = errors.New("chain tip changed")
)

// StructuralError reports a malformed Block, Event or Policy. It is raised
// before any state mutation.
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	if e.Field == "" {
		return "structural error: " + e.Reason
	}
	return fmt.Sprintf("structural error: %s: %s", e.Field, e.Reason)
}

// Structural is a shorthand constructor for *StructuralError.
func Structural(field, reason string) error {
	return &StructuralError{Field: field, Reason: reason}
}

// IntegrityError reports a hash mismatch, broken linkage or failed signature at
// a specific block index. It is never repaired automatically.
type IntegrityError struct {
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation at block %d: %s", e.Index, e.Reason)
}
