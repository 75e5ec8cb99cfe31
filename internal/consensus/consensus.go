// Package consensus decides which blocks and chains a node accepts from its
// peers: per-block continuation rules and a heaviest-chain fork choice.
package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

// DefaultMaxFutureDrift is how far ahead of the local clock a block may be stamped.
const DefaultMaxFutureDrift = 2 * time.Hour

// ErrRejected wraps the reason a block failed ValidateBlock.
var ErrRejected = errors.New("block rejected")

// Result is the outcome of ValidateBlock.
type Result struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// Resolution is the outcome of ResolveConflicts.
type Resolution struct {
	ShouldReplace bool           `json:"shouldReplace"`
	WinningChain  []*chain.Block `json:"-"`
	Reason        string         `json:"reason"`
}

// Validator applies block continuation rules.
type Validator struct {
	hasher   chaincrypto.Hasher
	maxDrift time.Duration
}

// NewValidator creates a Validator. A zero maxDrift selects DefaultMaxFutureDrift.
func NewValidator(h chaincrypto.Hasher, maxDrift time.Duration) *Validator {
	if maxDrift == 0 {
		maxDrift = DefaultMaxFutureDrift
	}
	return &Validator{hasher: h, maxDrift: maxDrift}
}

func reject(format string, args ...any) Result {
	return Result{Accepted: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateBlock checks, in order: index continuity, previous-hash linkage,
// proof of work at the candidate's difficulty, and that the candidate is not
// stamped too far in the future. The stored hash and Merkle root are then
// recomputed. The first failure short-circuits.
func (v *Validator) ValidateBlock(candidate, previous *chain.Block, now time.Time) Result {
	if candidate == nil || previous == nil {
		return reject("missing block")
	}
	if candidate.Index != previous.Index+1 {
		return reject("invalid index: expected %d, got %d", previous.Index+1, candidate.Index)
	}
	if candidate.PreviousHash != previous.Hash {
		return reject("invalid previous hash: expected %s, got %s", previous.Hash, candidate.PreviousHash)
	}
	if candidate.Difficulty < 0 || !chain.MeetsDifficulty(candidate.Hash, candidate.Difficulty) {
		return reject("hash %s does not meet difficulty %d", candidate.Hash, candidate.Difficulty)
	}
	if limit := now.Add(v.maxDrift).UnixMilli(); candidate.OccurredAt > limit {
		return reject("block timestamp %d is more than %s ahead of local clock", candidate.OccurredAt, v.maxDrift)
	}
	if err := candidate.VerifyContents(v.hasher); err != nil {
		return reject("%v", err)
	}
	return Result{Accepted: true, Reason: "ok"}
}

// BlockCheck adapts ValidateBlock to the ledger's append hook.
func (v *Validator) BlockCheck(now func() time.Time) chain.BlockCheck {
	return func(candidate, previous *chain.Block) error {
		if res := v.ValidateBlock(candidate, previous, now()); !res.Accepted {
			return fmt.Errorf("%w: %s", ErrRejected, res.Reason)
		}
		return nil
	}
}

// CumulativeWork returns Σ 2^difficulty over blocks.
func CumulativeWork(blocks []*chain.Block) *big.Int {
	total := new(big.Int)
	for _, b := range blocks {
		if b == nil || b.Difficulty < 0 {
			continue
		}
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(b.Difficulty)))
	}
	return total
}

// ResolveConflicts decides whether peer should replace local. The peer chain
// wins only if it shares local's genesis, every block validates against its
// predecessor, and its cumulative work is strictly greater. Length alone
// never decides, and ties keep the local chain.
func (v *Validator) ResolveConflicts(local, peer []*chain.Block, now time.Time) Resolution {
	keep := func(format string, args ...any) Resolution {
		return Resolution{ShouldReplace: false, WinningChain: local, Reason: fmt.Sprintf(format, args...)}
	}
	if len(peer) == 0 {
		return keep("peer chain is empty")
	}
	if len(local) == 0 {
		return keep("local chain is empty")
	}
	if peer[0] == nil || peer[0].Hash != local[0].Hash {
		return keep("peer chain has a different genesis")
	}
	for i := 1; i < len(peer); i++ {
		if res := v.ValidateBlock(peer[i], peer[i-1], now); !res.Accepted {
			return keep("peer block %d invalid: %s", i, res.Reason)
		}
	}

	localWork := CumulativeWork(local)
	peerWork := CumulativeWork(peer)
	switch peerWork.Cmp(localWork) {
	case 1:
		return Resolution{
			ShouldReplace: true,
			WinningChain:  peer,
			Reason: fmt.Sprintf("peer chain heavier: work %s > %s (length %d vs %d)",
				peerWork, localWork, len(peer), len(local)),
		}
	case 0:
		return keep("equal cumulative work %s, keeping local chain", localWork)
	default:
		return keep("local chain heavier: work %s > %s (length %d vs %d)",
			localWork, peerWork, len(local), len(peer))
	}
}
