package peersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/consensus"
)

// DefaultSyncTimeout bounds how long RequestSync waits for a response.
const DefaultSyncTimeout = 10 * time.Second

var (
	// ErrSyncTimeout is returned when a peer does not answer a sync request in time.
	ErrSyncTimeout = errors.New("sync timed out")

	errJunction = errors.New("sync response does not join local chain")
)

// Ledger is the subset of *chain.Ledger the Syncer needs.
type Ledger interface {
	State() chain.State
	BeginSync() error
	EndSync()
	Blocks() []*chain.Block
	BlocksFrom(from int) []*chain.Block
	AddPendingEvent(e chain.Event) error
}

// Hooks are optional callbacks fired after the Syncer changes the chain.
type Hooks struct {
	BlockAccepted func(b *chain.Block)
	ChainReplaced func(blocks []*chain.Block)
	SyncFinished  func(peerID, outcome string, elapsed time.Duration)
}

// Config controls a Syncer.
type Config struct {
	NodeID  string
	Timeout time.Duration
}

// Syncer implements the peer protocol on top of a Transport: it answers sync
// requests, forwards peer blocks to the Resolver and pulls chains when a peer
// is ahead.
type Syncer struct {
	cfg       Config
	ledger    Ledger
	resolver  *consensus.Resolver
	transport Transport
	hooks     Hooks
	logger    *zap.Logger

	mu      sync.Mutex
	waiting map[string]chan Message
	ignored atomic.Int64
	syncs   sync.WaitGroup
}

// NewSyncer creates a Syncer.
func NewSyncer(cfg Config, ledger Ledger, resolver *consensus.Resolver, transport Transport, hooks Hooks, logger *zap.Logger) *Syncer {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultSyncTimeout
	}
	return &Syncer{
		cfg:       cfg,
		ledger:    ledger,
		resolver:  resolver,
		transport: transport,
		hooks:     hooks,
		logger:    logger.With(zap.String("node", cfg.NodeID)),
		waiting:   make(map[string]chan Message),
	}
}

// Start subscribes the Syncer to its transport.
func (s *Syncer) Start(ctx context.Context) error {
	return s.transport.Subscribe(ctx, s.HandleMessage)
}

// Wait blocks until background syncs started by HandleMessage finish.
func (s *Syncer) Wait() {
	s.syncs.Wait()
}

// IgnoredBlocks returns how many broadcast blocks were dropped while syncing.
func (s *Syncer) IgnoredBlocks() int64 {
	return s.ignored.Load()
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// BroadcastBlock announces a newly mined block.
func (s *Syncer) BroadcastBlock(ctx context.Context, b *chain.Block) (int, error) {
	msg, err := NewMessage(TypeBlock, s.cfg.NodeID, b)
	if err != nil {
		return 0, err
	}
	return s.transport.Broadcast(ctx, msg)
}

// BroadcastEvent shares a pending event with peers.
func (s *Syncer) BroadcastEvent(ctx context.Context, e chain.Event) (int, error) {
	msg, err := NewMessage(TypeTransaction, s.cfg.NodeID, e)
	if err != nil {
		return 0, err
	}
	return s.transport.Broadcast(ctx, msg)
}

// RequestSync fetches peerID's chain from fromIndex and runs fork choice on
// it. A partial response that does not join the local chain is retried once
// from genesis. The ledger is in the Syncing state for the whole exchange, and
// a timeout leaves the local chain unchanged.
func (s *Syncer) RequestSync(ctx context.Context, peerID string, fromIndex int) (consensus.Resolution, error) {
	if err := s.ledger.BeginSync(); err != nil {
		return consensus.Resolution{}, err
	}
	defer s.ledger.EndSync()

	start := time.Now()
	res, err := s.syncFrom(ctx, peerID, fromIndex)
	if errors.Is(err, errJunction) && fromIndex > 0 {
		s.logger.Debug("partial sync did not join, retrying from genesis", zap.String("peer", peerID))
		res, err = s.syncFrom(ctx, peerID, 0)
	}

	outcome := "kept"
	switch {
	case err == nil && res.ShouldReplace:
		outcome = "replaced"
		if s.hooks.ChainReplaced != nil {
			s.hooks.ChainReplaced(s.ledger.Blocks())
		}
	case errors.Is(err, consensus.ErrKeepLocal):
		err = nil
	case errors.Is(err, ErrSyncTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	if s.hooks.SyncFinished != nil {
		s.hooks.SyncFinished(peerID, outcome, time.Since(start))
	}
	s.logger.Info("sync finished",
		zap.String("peer", peerID),
		zap.String("outcome", outcome),
		zap.String("reason", res.Reason),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, err
}

func (s *Syncer) syncFrom(ctx context.Context, peerID string, fromIndex int) (consensus.Resolution, error) {
	msg, err := NewMessage(TypeSyncRequest, s.cfg.NodeID, SyncRequest{FromIndex: fromIndex})
	if err != nil {
		return consensus.Resolution{}, err
	}
	msg.RequestID = uuid.NewString()

	ch := make(chan Message, 1)
	s.mu.Lock()
	s.waiting[msg.RequestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, msg.RequestID)
		s.mu.Unlock()
	}()

	if err := s.transport.SendToPeer(ctx, peerID, msg); err != nil {
		return consensus.Resolution{}, fmt.Errorf("send sync request: %w", err)
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	var reply Message
	select {
	case reply = <-ch:
	case <-timer.C:
		return consensus.Resolution{}, fmt.Errorf("%w: peer %s after %s", ErrSyncTimeout, peerID, s.cfg.Timeout)
	case <-ctx.Done():
		return consensus.Resolution{}, ctx.Err()
	}

	var resp SyncResponse
	if err := reply.Decode(&resp); err != nil {
		return consensus.Resolution{}, err
	}
	candidate, err := s.stitch(resp)
	if err != nil {
		return consensus.Resolution{}, err
	}
	if candidate == nil {
		return consensus.Resolution{Reason: "peer has no blocks beyond local tip"}, consensus.ErrKeepLocal
	}
	return s.resolver.HandleChain(candidate)
}

// stitch prefixes a partial response with the local blocks it builds on.
func (s *Syncer) stitch(resp SyncResponse) ([]*chain.Block, error) {
	if resp.FromIndex == 0 {
		return resp.Blocks, nil
	}
	// A peer shorter than fromIndex may still be heavier; only its full
	// chain can tell.
	if len(resp.Blocks) == 0 {
		return nil, errJunction
	}
	local := s.ledger.Blocks()
	first := resp.Blocks[0]
	if resp.FromIndex > len(local) || first == nil || first.Index != resp.FromIndex ||
		first.PreviousHash != local[resp.FromIndex-1].Hash {
		return nil, errJunction
	}
	out := make([]*chain.Block, 0, resp.FromIndex+len(resp.Blocks))
	out = append(out, local[:resp.FromIndex]...)
	return append(out, resp.Blocks...), nil
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// HandleMessage is the transport callback.
func (s *Syncer) HandleMessage(ctx context.Context, msg Message, peerID string) {
	if !Compatible(msg.Protocol) {
		s.logger.Debug("ignoring incompatible peer",
			zap.String("peer", peerID),
			zap.String("protocol", msg.Protocol),
		)
		return
	}
	log := s.logger.With(zap.String("peer", peerID), zap.String("type", msg.Type))

	switch msg.Type {
	case TypeTransaction:
		var e chain.Event
		if err := msg.Decode(&e); err != nil {
			log.Warn("bad transaction", zap.Error(err))
			return
		}
		if err := s.ledger.AddPendingEvent(e); err != nil {
			log.Warn("rejected peer event", zap.Error(err))
		}

	case TypeBlock:
		if s.ledger.State() == chain.StateSyncing {
			s.ignored.Add(1)
			log.Debug("ignoring block during sync")
			return
		}
		var b chain.Block
		if err := msg.Decode(&b); err != nil {
			log.Warn("bad block", zap.Error(err))
			return
		}
		s.handleBlock(ctx, &b, peerID, log)

	case TypeSyncRequest:
		var req SyncRequest
		if err := msg.Decode(&req); err != nil {
			log.Warn("bad sync request", zap.Error(err))
			return
		}
		blocks := s.ledger.BlocksFrom(req.FromIndex)
		if blocks == nil {
			blocks = []*chain.Block{}
		}
		reply, err := NewMessage(TypeSyncResponse, s.cfg.NodeID, SyncResponse{FromIndex: req.FromIndex, Blocks: blocks})
		if err != nil {
			log.Error("build sync response", zap.Error(err))
			return
		}
		reply.RequestID = msg.RequestID
		if err := s.transport.SendToPeer(ctx, peerID, reply); err != nil {
			log.Warn("send sync response", zap.Error(err))
		}

	case TypeSyncResponse:
		s.mu.Lock()
		ch, ok := s.waiting[msg.RequestID]
		s.mu.Unlock()
		if !ok {
			log.Debug("unsolicited sync response", zap.String("request_id", msg.RequestID))
			return
		}
		select {
		case ch <- msg:
		default:
		}

	default:
		log.Debug("unknown message type")
	}
}

func (s *Syncer) handleBlock(ctx context.Context, b *chain.Block, peerID string, log *zap.Logger) {
	out, err := s.resolver.HandleBlock(b)
	log.Debug("peer block handled", zap.Int("index", b.Index), zap.Stringer("outcome", out), zap.Error(err))

	switch out {
	case consensus.OutcomeAppended:
		if s.hooks.BlockAccepted != nil {
			s.hooks.BlockAccepted(b)
		}
	case consensus.OutcomeReplaced:
		if s.hooks.ChainReplaced != nil {
			s.hooks.ChainReplaced(s.ledger.Blocks())
		}
	}
	if !out.NeedsSync() {
		return
	}

	from := 0
	if out == consensus.OutcomeAhead {
		from = len(s.ledger.Blocks())
	}
	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		if _, err := s.RequestSync(ctx, peerID, from); err != nil && !errors.Is(err, chain.ErrBusy) {
			s.logger.Warn("sync after peer block failed", zap.String("peer", peerID), zap.Error(err))
		}
	}()
}
