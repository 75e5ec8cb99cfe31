package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

// State is the ledger's coarse activity state.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateMining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateMining:
		return "mining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RetargetConfig adjusts difficulty every Every blocks towards TargetInterval
// between blocks. A zero Every disables retargeting.
type RetargetConfig struct {
	Every          int
	TargetInterval time.Duration
	Min            int
	Max            int
}

// Config controls mining and validation.
type Config struct {
	Difficulty        int
	RequireSignatures bool
	Retarget          RetargetConfig
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithSigner signs every locally mined block and trusts the signer's key.
func WithSigner(s chaincrypto.Signer) Option {
	return func(l *Ledger) {
		l.signer = s
		if s != nil {
			l.trusted = append(l.trusted, s.PublicKey())
		}
	}
}

// WithVerifier sets the signature verifier used during validation.
func WithVerifier(v chaincrypto.Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithTrustedKeys adds public keys whose block signatures are accepted.
func WithTrustedKeys(keys ...[]byte) Option {
	return func(l *Ledger) { l.trusted = append(l.trusted, keys...) }
}

// WithTimestamper attaches an external timestamp to every mined block.
func WithTimestamper(t Timestamper) Option {
	return func(l *Ledger) { l.timestamper = t }
}

// WithClock overrides the wall clock used for block and event times.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the in-memory block chain plus its pending event buffer. It is
// safe for concurrent use.
type Ledger struct {
	mu           sync.RWMutex
	blocks       []*Block
	pending      []Event
	state        State
	difficulty   int
	retargetedAt int

	cfg         Config
	hasher      chaincrypto.Hasher
	signer      chaincrypto.Signer
	verifier    chaincrypto.Verifier
	trusted     [][]byte
	timestamper Timestamper
	genesis     *Block
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Ledger containing only the genesis block.
func New(cfg Config, h chaincrypto.Hasher, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if h == nil {
		return nil, errors.New("chain: hasher is required")
	}
	if cfg.Difficulty < 0 || cfg.Difficulty > MaxDifficulty(h) {
		return nil, Structural("difficulty", fmt.Sprintf("must be within [0, %d]", MaxDifficulty(h)))
	}
	if cfg.Retarget.Max == 0 {
		cfg.Retarget.Max = MaxDifficulty(h)
	}
	l := &Ledger{
		cfg:        cfg,
		hasher:     h,
		difficulty: cfg.Difficulty,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.RequireSignatures && l.verifier == nil {
		return nil, errors.New("chain: signatures required but no verifier configured")
	}
	l.genesis = GenesisBlock(h)
	l.blocks = []*Block{l.genesis}
	return l, nil
}

// NewFromBlocks creates a Ledger and loads blocks into it after validation.
func NewFromBlocks(cfg Config, h chaincrypto.Hasher, logger *zap.Logger, blocks []*Block, opts ...Option) (*Ledger, error) {
	l, err := New(cfg, h, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.Load(blocks); err != nil {
		return nil, err
	}
	return l, nil
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Hasher returns the ledger's hash function.
func (l *Ledger) Hasher() chaincrypto.Hasher { return l.hasher }

// Verifier returns the configured signature verifier, which may be nil.
func (l *Ledger) Verifier() chaincrypto.Verifier { return l.verifier }

// Genesis returns the ledger's genesis block.
func (l *Ledger) Genesis() *Block { return l.genesis }

// Blocks returns a snapshot of the chain. Blocks are shared and must not be modified.
func (l *Ledger) Blocks() []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Block(nil), l.blocks...)
}

// BlocksFrom returns the blocks with index >= from.
func (l *Ledger) BlocksFrom(from int) []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.blocks) {
		return nil
	}
	return append([]*Block(nil), l.blocks[from:]...)
}

// Block returns the block at index.
func (l *Ledger) Block(index int) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.blocks) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return l.blocks[index], nil
}

// LastBlock returns the chain tip.
func (l *Ledger) LastBlock() *Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1]
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Pending returns a copy of the pending event buffer.
func (l *Ledger) Pending() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Event(nil), l.pending...)
}

// PendingCount returns the number of pending events.
func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Difficulty returns the difficulty the next block will be mined at.
func (l *Ledger) Difficulty() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.difficulty
}

// State returns the current activity state.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// ── Pending events ───────────────────────────────────────────────────────────

// AddPendingEvent validates e and queues it for the next block.
func (l *Ledger) AddPendingEvent(e Event) error {
	if e.OccurredAt == 0 {
		e.OccurredAt = l.now().UnixMilli()
	}
	if err := ValidateEvent(e); err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = append(l.pending, e)
	n := len(l.pending)
	l.mu.Unlock()

	l.logger.Debug("event queued", zap.String("type", e.Type), zap.Int("pending", n))
	return nil
}

// ── Sync state ───────────────────────────────────────────────────────────────

// BeginSync moves the ledger into the Syncing state.
func (l *Ledger) BeginSync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrBusy, l.state)
	}
	l.state = StateSyncing
	return nil
}

// EndSync returns the ledger to Idle after a sync.
func (l *Ledger) EndSync() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSyncing {
		l.state = StateIdle
	}
}

// ── Mining ───────────────────────────────────────────────────────────────────

// MineBlock mines the pending events into a new block and appends it. Proof
// of work runs without the lock held; if the tip moves meanwhile the work is
// discarded and mining restarts on the new tip with whatever is still
// pending. Pending events are only removed once their block is appended, so a
// cancelled ctx leaves the buffer intact.
func (l *Ledger) MineBlock(ctx context.Context, minerID string) (*Block, error) {
	l.mu.Lock()
	if l.state != StateIdle {
		st := l.state
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, st)
	}
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil, ErrNoPending
	}
	l.state = StateMining
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.state == StateMining {
			l.state = StateIdle
		}
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return nil, ErrNoPending
		}
		events := append([]Event(nil), l.pending...)
		tip := l.blocks[len(l.blocks)-1]
		difficulty := l.nextDifficultyLocked()
		l.mu.Unlock()

		start := time.Now()
		b, err := Mine(ctx, l.hasher, tip.Index+1, l.now().UnixMilli(), events, tip.Hash, difficulty)
		if err != nil {
			return nil, err
		}
		if l.signer != nil {
			if err := b.Sign(l.signer); err != nil {
				return nil, err
			}
		}
		if l.timestamper != nil {
			ts, err := l.timestamper.Attest(ctx, b.Hash)
			if err != nil || ts == nil {
				ts = &ExternalTimestamp{Verified: false, CreatedAt: l.now().UnixMilli()}
			}
			b.ExternalTimestamp = ts
		}

		l.mu.Lock()
		if l.blocks[len(l.blocks)-1].Hash != tip.Hash {
			l.mu.Unlock()
			l.logger.Info("tip moved during mining, restarting",
				zap.Int("index", b.Index),
				zap.Duration("wasted", time.Since(start)),
			)
			continue
		}
		// With the tip unchanged nothing but appends touched pending, so
		// the mined events are still its prefix.
		l.blocks = append(l.blocks, b)
		l.pending = append([]Event(nil), l.pending[len(events):]...)
		l.mu.Unlock()

		l.logger.Info("block mined",
			zap.String("miner", minerID),
			zap.Int("index", b.Index),
			zap.String("hash", b.Hash),
			zap.Int64("nonce", b.Nonce),
			zap.Int("difficulty", b.Difficulty),
			zap.Int("events", len(b.Events)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return b, nil
	}
}

func (l *Ledger) nextDifficultyLocked() int {
	r := l.cfg.Retarget
	n := len(l.blocks)
	if r.Every <= 0 || r.TargetInterval <= 0 || n <= r.Every || n%r.Every != 0 || l.retargetedAt == n {
		return l.difficulty
	}
	l.retargetedAt = n
	elapsed := l.blocks[n-1].OccurredAt - l.blocks[n-r.Every].OccurredAt
	expected := r.TargetInterval.Milliseconds() * int64(r.Every-1)
	d := l.difficulty
	switch {
	case elapsed*2 < expected:
		d++
	case elapsed > expected*2:
		d--
	}
	d = max(r.Min, min(d, r.Max))
	if d != l.difficulty {
		l.logger.Info("difficulty retargeted",
			zap.Int("from", l.difficulty),
			zap.Int("to", d),
			zap.Int64("elapsed_ms", elapsed),
		)
		l.difficulty = d
	}
	return d
}

// ── Appending and replacing ──────────────────────────────────────────────────

// BlockCheck is an additional acceptance rule applied to a candidate block
// with its predecessor.
type BlockCheck func(candidate, previous *Block) error

// AppendBlock appends a block received from a peer. b must extend the current
// tip and pass validation plus every check. Included events are dropped from
// the pending buffer.
func (l *Ledger) AppendBlock(b *Block, checks ...BlockCheck) error {
	if b == nil {
		return Structural("block", "nil block")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateSyncing {
		return fmt.Errorf("%w: %s", ErrBusy, l.state)
	}
	tip := l.blocks[len(l.blocks)-1]
	if err := VerifyLink(tip, b); err != nil {
		return fmt.Errorf("%w: %v", ErrTipChanged, err)
	}
	for _, check := range checks {
		if err := check(b, tip); err != nil {
			return err
		}
	}
	if ie := l.verifyBlock(b); ie != nil {
		return ie
	}
	l.blocks = append(l.blocks, b)
	l.pending = pruneIncluded(l.hasher, l.pending, b.Events)
	l.logger.Info("block appended", zap.Int("index", b.Index), zap.String("hash", b.Hash))
	return nil
}

// ChainDecision decides whether candidate should replace local. Both slices
// are already structurally valid when it is called.
type ChainDecision func(local, candidate []*Block) error

// ReplaceChain atomically swaps the local chain for candidate when candidate
// is valid and decide accepts it. On any failure the local chain is left
// untouched. Events of orphaned local blocks that the candidate does not
// contain are returned to the pending buffer.
func (l *Ledger) ReplaceChain(candidate []*Block, decide ChainDecision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ie := l.verifyChain(candidate); ie != nil {
		return ie
	}
	if decide != nil {
		if err := decide(l.blocks, candidate); err != nil {
			return err
		}
	}

	fork := 0
	for fork < len(l.blocks) && fork < len(candidate) && l.blocks[fork].Hash == candidate[fork].Hash {
		fork++
	}
	var orphaned []Event
	for _, b := range l.blocks[fork:] {
		orphaned = append(orphaned, b.Events...)
	}
	var adopted []Event
	for _, b := range candidate[fork:] {
		adopted = append(adopted, b.Events...)
	}

	pending := append(pruneIncluded(l.hasher, orphaned, adopted), l.pending...)
	l.pending = pruneIncluded(l.hasher, pending, adopted)
	previous := len(l.blocks)
	l.blocks = append([]*Block(nil), candidate...)

	l.logger.Info("chain replaced",
		zap.Int("previous_length", previous),
		zap.Int("new_length", len(candidate)),
		zap.Int("fork_index", fork),
		zap.Int("pending", len(l.pending)),
	)
	return nil
}

// Load replaces the chain with blocks after full validation, without any
// fork-choice rule. It is used to restore persisted state at startup.
func (l *Ledger) Load(blocks []*Block) error {
	return l.ReplaceChain(blocks, nil)
}

// Reset discards every block after genesis and clears the pending buffer.
// It fails with ErrBusy unless the ledger is idle.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		return fmt.Errorf("%w: %s", ErrBusy, l.state)
	}
	l.blocks = []*Block{l.genesis}
	l.pending = nil
	l.difficulty = l.cfg.Difficulty
	l.retargetedAt = 0
	l.logger.Warn("ledger reset to genesis")
	return nil
}

// ── Validation ───────────────────────────────────────────────────────────────

// Validate walks the local chain. It returns nil or an *IntegrityError naming
// the first bad block.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if ie := l.verifyChain(l.blocks); ie != nil {
		return ie
	}
	return nil
}

// ValidateChain applies the same checks as Validate to an arbitrary chain.
func (l *Ledger) ValidateChain(blocks []*Block) error {
	if ie := l.verifyChain(blocks); ie != nil {
		return ie
	}
	return nil
}

// IsValidChain reports whether blocks would pass ValidateChain.
func (l *Ledger) IsValidChain(blocks []*Block) bool {
	return l.verifyChain(blocks) == nil
}

func (l *Ledger) verifyChain(blocks []*Block) *IntegrityError {
	if len(blocks) == 0 {
		return &IntegrityError{Index: 0, Reason: "empty chain"}
	}
	if blocks[0] == nil || blocks[0].Hash != l.genesis.Hash {
		return &IntegrityError{Index: 0, Reason: "genesis mismatch"}
	}
	if err := blocks[0].VerifyContents(l.hasher); err != nil {
		return &IntegrityError{Index: 0, Reason: err.Error()}
	}
	for i := 1; i < len(blocks); i++ {
		if blocks[i] == nil {
			return &IntegrityError{Index: i, Reason: "missing block"}
		}
		if err := VerifyLink(blocks[i-1], blocks[i]); err != nil {
			return &IntegrityError{Index: i, Reason: err.Error()}
		}
		if ie := l.verifyBlock(blocks[i]); ie != nil {
			return ie
		}
	}
	return nil
}

func (l *Ledger) verifyBlock(b *Block) *IntegrityError {
	if err := b.VerifyContents(l.hasher); err != nil {
		return &IntegrityError{Index: b.Index, Reason: err.Error()}
	}
	for i, e := range b.Events {
		if err := ValidateEvent(e); err != nil {
			return &IntegrityError{Index: b.Index, Reason: fmt.Sprintf("event %d: %v", i, err)}
		}
	}
	checkSig := l.cfg.RequireSignatures ||
		(len(b.Signature) > 0 && l.verifier != nil && len(l.trusted) > 0)
	if checkSig && !b.VerifySignature(l.verifier, l.trusted) {
		return &IntegrityError{Index: b.Index, Reason: "missing or invalid signature"}
	}
	return nil
}

// pruneIncluded returns events minus any event whose digest appears in included.
func pruneIncluded(h chaincrypto.Hasher, events, included []Event) []Event {
	if len(events) == 0 || len(included) == 0 {
		return events
	}
	seen := make(map[string]struct{}, len(included))
	for _, e := range included {
		if d, err := e.Digest(h); err == nil {
			seen[hex.EncodeToString(d)] = struct{}{}
		}
	}
	out := events[:0:0]
	for _, e := range events {
		d, err := e.Digest(h)
		if err == nil {
			if _, dup := seen[hex.EncodeToString(d)]; dup {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// ── Queries and export ───────────────────────────────────────────────────────

// AuditTrail returns the committed events concerning resource, oldest first.
func (l *Ledger) AuditTrail(resource string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, b := range l.blocks {
		for _, e := range b.Events {
			if e.Resource() == resource {
				out = append(out, e)
			}
		}
	}
	return out
}

// Export serialises the whole chain as indented JSON.
func (l *Ledger) Export() ([]byte, error) {
	blocks := l.Blocks()
	out, err := json.MarshalIndent(blocks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	return out, nil
}

// ParseChain decodes an exported chain.
func ParseChain(data []byte) ([]*Block, error) {
	var blocks []*Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	return blocks, nil
}
