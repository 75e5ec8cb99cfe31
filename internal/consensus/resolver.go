package consensus

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// ErrKeepLocal is returned by HandleChain when the fork choice keeps the local chain.
var ErrKeepLocal = errors.New("local chain retained")

// Ledger is the subset of *chain.Ledger the Resolver drives.
type Ledger interface {
	LastBlock() *chain.Block
	Blocks() []*chain.Block
	AppendBlock(b *chain.Block, checks ...chain.BlockCheck) error
	ReplaceChain(candidate []*chain.Block, decide chain.ChainDecision) error
}

// Outcome classifies what HandleBlock did with a block.
type Outcome int

const (
	// OutcomeAppended means the block extended the local tip.
	OutcomeAppended Outcome = iota
	// OutcomeReplaced means the block won a fork at its index and replaced the local suffix.
	OutcomeReplaced
	// OutcomeDuplicate means the block is already in the local chain.
	OutcomeDuplicate
	// OutcomeAhead means the block is beyond the local tip; the sender should be synced from.
	OutcomeAhead
	// OutcomeFork means the block belongs to a divergent history that needs a full sync.
	OutcomeFork
	// OutcomeKept means the block competed with a local block and lost or tied.
	OutcomeKept
	// OutcomeRejected means the block failed validation.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAhead:
		return "ahead"
	case OutcomeFork:
		return "fork"
	case OutcomeKept:
		return "kept"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// NeedsSync reports whether the sender of the block should be asked for its chain.
func (o Outcome) NeedsSync() bool {
	return o == OutcomeAhead || o == OutcomeFork
}

// Resolver applies consensus rules to blocks and chains received from peers.
type Resolver struct {
	ledger    Ledger
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver creates a Resolver over ledger.
func NewResolver(ledger Ledger, validator *Validator, logger *zap.Logger) *Resolver {
	return &Resolver{ledger: ledger, validator: validator, logger: logger, now: time.Now}
}

// SetClock overrides the clock used for the future-drift check.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Validator returns the block validator.
func (r *Resolver) Validator() *Validator { return r.validator }

// HandleBlock processes a single block broadcast by a peer.
func (r *Resolver) HandleBlock(b *chain.Block) (Outcome, error) {
	if b == nil {
		return OutcomeRejected, chain.Structural("block", "nil block")
	}
	tip := r.ledger.LastBlock()
	log := r.logger.With(zap.Int("index", b.Index), zap.String("hash", b.Hash))

	switch {
	case b.Index > tip.Index+1:
		log.Debug("block ahead of local tip", zap.Int("tip", tip.Index))
		return OutcomeAhead, nil

	case b.Index == tip.Index+1:
		err := r.ledger.AppendBlock(b, r.validator.BlockCheck(r.now))
		switch {
		case err == nil:
			return OutcomeAppended, nil
		case errors.Is(err, chain.ErrTipChanged):
			log.Debug("block does not extend local tip", zap.Error(err))
			return OutcomeFork, nil
		default:
			log.Warn("block rejected", zap.Error(err))
			return OutcomeRejected, err
		}

	default:
		return r.handleCompeting(b, log)
	}
}

// handleCompeting deals with a block at or below the local tip. When it forks
// directly off the local chain the resulting chain is put through fork choice.
func (r *Resolver) handleCompeting(b *chain.Block, log *zap.Logger) (Outcome, error) {
	if b.Index <= 0 {
		return OutcomeRejected, fmt.Errorf("%w: genesis cannot be replaced", ErrRejected)
	}
	local := r.ledger.Blocks()
	if b.Index >= len(local) {
		return OutcomeFork, nil
	}
	if local[b.Index].Hash == b.Hash {
		return OutcomeDuplicate, nil
	}
	if local[b.Index-1].Hash != b.PreviousHash {
		return OutcomeFork, nil
	}

	candidate := append(append([]*chain.Block(nil), local[:b.Index]...), b)
	res, err := r.HandleChain(candidate)
	switch {
	case err == nil:
		return OutcomeReplaced, nil
	case errors.Is(err, ErrKeepLocal):
		log.Debug("competing block lost fork choice", zap.String("reason", res.Reason))
		return OutcomeKept, nil
	default:
		return OutcomeRejected, err
	}
}

// HandleChain runs fork choice against the full chain offered by a peer and
// replaces the local chain if the peer's is heavier. The decision and the
// swap happen under the ledger lock. ErrKeepLocal is returned when the local
// chain is retained.
func (r *Resolver) HandleChain(peer []*chain.Block) (Resolution, error) {
	var res Resolution
	err := r.ledger.ReplaceChain(peer, func(local, candidate []*chain.Block) error {
		res = r.validator.ResolveConflicts(local, candidate, r.now())
		if !res.ShouldReplace {
			return fmt.Errorf("%w: %s", ErrKeepLocal, res.Reason)
		}
		return nil
	})
	if err != nil {
		var ie *chain.IntegrityError
		if errors.As(err, &ie) {
			res = Resolution{Reason: ie.Error()}
			r.logger.Warn("peer chain failed validation", zap.Error(err))
			return res, fmt.Errorf("%w: %w", ErrKeepLocal, err)
		}
		if !errors.Is(err, ErrKeepLocal) {
			return res, err
		}
		r.logger.Info("peer chain not adopted", zap.String("reason", res.Reason))
		return res, err
	}
	r.logger.Info("adopted peer chain", zap.Int("length", len(peer)), zap.String("reason", res.Reason))
	return res, nil
}
