// Package node wires the ledger, policy engine, fork resolver, peer syncer and
// block store into a single process-level facade.
package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/consensus"
	"github.com/jmerrifield20/trustchain/internal/peersync"
	"github.com/jmerrifield20/trustchain/internal/policy"
	"github.com/jmerrifield20/trustchain/internal/store"
	"github.com/jmerrifield20/trustchain/internal/webhooks"
)

const tracerName = "github.com/jmerrifield20/trustchain/internal/node"

// persistTimeout bounds store writes made from transport callbacks.
const persistTimeout = 5 * time.Second

// Archiver uploads chain exports to long-term storage.
type Archiver interface {
	Upload(ctx context.Context, tipHash string, export []byte) (string, error)
}

// Notifier receives notable node events. *webhooks.Service satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Config controls a Node.
type Config struct {
	NodeID string
	// AutoMineInterval enables background mining when positive.
	AutoMineInterval time.Duration
	// AutoMineThreshold is the pending count that triggers an automatic mine.
	AutoMineThreshold int
	SyncTimeout       time.Duration
	MaxFutureDrift    time.Duration
	// ResetInvalidStore lets Start overwrite a stored chain that fails
	// validation with a fresh genesis. Without it Start refuses to run.
	ResetInvalidStore bool
}

// Option customises a Node.
type Option func(*Node)

// WithArchiver enables Archive.
func WithArchiver(a Archiver) Option {
	return func(n *Node) { n.archiver = a }
}

// WithNotifier reports mined blocks, chain replacements and denials.
func WithNotifier(nt Notifier) Option {
	return func(n *Node) { n.notifier = nt }
}

// WithPolicies deploys policies during New, before any event is mined.
func WithPolicies(policies []policy.Policy) Option {
	return func(n *Node) { n.bundle = policies }
}

// Node is the application facade over one ledger replica.
type Node struct {
	cfg       Config
	ledger    *chain.Ledger
	engine    *policy.Engine
	resolver  *consensus.Resolver
	syncer    *peersync.Syncer
	store     store.BlockStore
	transport peersync.Transport
	archiver  Archiver
	notifier  Notifier
	bundle    []policy.Policy
	logger    *zap.Logger
	tracer    trace.Tracer

	persistMu sync.Mutex
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Node around an existing ledger. The store mirrors the ledger
// and the transport carries the peer protocol.
func New(cfg Config, ledger *chain.Ledger, st store.BlockStore, transport peersync.Transport, logger *zap.Logger, opts ...Option) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if cfg.MaxFutureDrift == 0 {
		cfg.MaxFutureDrift = consensus.DefaultMaxFutureDrift
	}
	if cfg.AutoMineThreshold <= 0 {
		cfg.AutoMineThreshold = 1
	}

	engine, err := policy.NewEngine(ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("create policy engine: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		ledger:    ledger,
		engine:    engine,
		store:     st,
		transport: transport,
		logger:    logger.With(zap.String("node", cfg.NodeID)),
		tracer:    otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(n)
	}

	validator := consensus.NewValidator(ledger.Hasher(), cfg.MaxFutureDrift)
	n.resolver = consensus.NewResolver(ledger, validator, n.logger)
	n.syncer = peersync.NewSyncer(
		peersync.Config{NodeID: cfg.NodeID, Timeout: cfg.SyncTimeout},
		ledger, n.resolver, transport,
		peersync.Hooks{
			BlockAccepted: n.onBlockAccepted,
			ChainReplaced: n.onChainReplaced,
			SyncFinished:  n.onSyncFinished,
		},
		n.logger,
	)

	if len(n.bundle) > 0 {
		if err := engine.Apply(context.Background(), n.bundle, cfg.NodeID); err != nil {
			return nil, fmt.Errorf("apply policy bundle: %w", err)
		}
	}
	n.refreshGauges()
	return n, nil
}

// Ledger returns the underlying ledger.
func (n *Node) Ledger() *chain.Ledger { return n.ledger }

// Engine returns the policy engine.
func (n *Node) Engine() *policy.Engine { return n.engine }

// Syncer returns the peer syncer.
func (n *Node) Syncer() *peersync.Syncer { return n.syncer }

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.NodeID }

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start restores the persisted chain, subscribes to the transport and, when
// configured, launches the auto-mine loop.
func (n *Node) Start(ctx context.Context) error {
	if err := store.Restore(ctx, n.store, n.ledger, n.logger); err != nil {
		var ie *chain.IntegrityError
		if !errors.As(err, &ie) || !n.cfg.ResetInvalidStore {
			return err
		}
		if err := store.ResetInvalid(ctx, n.store, n.ledger, n.logger); err != nil {
			return fmt.Errorf("reset invalid store: %w", err)
		}
	}
	n.refreshGauges()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	if err := n.syncer.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("subscribe to peers: %w", err)
	}

	if n.cfg.AutoMineInterval > 0 {
		n.loops.Add(1)
		go n.autoMine(ctx)
	}
	n.logger.Info("node started",
		zap.Int("length", n.ledger.Len()),
		zap.String("tip", n.ledger.LastBlock().Hash),
	)
	return nil
}

// Close stops background work and releases the transport and store.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.loops.Wait()
		n.syncer.Wait()
		err = errors.Join(n.transport.Close(), n.store.Close())
	})
	return err
}

func (n *Node) autoMine(ctx context.Context) {
	defer n.loops.Done()
	ticker := time.NewTicker(n.cfg.AutoMineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.ledger.PendingCount() < n.cfg.AutoMineThreshold {
				continue
			}
			if _, err := n.MineNow(ctx, n.cfg.NodeID); err != nil &&
				!errors.Is(err, chain.ErrBusy) && !errors.Is(err, chain.ErrNoPending) && ctx.Err() == nil {
				n.logger.Warn("auto-mine failed", zap.Error(err))
			}
		}
	}
}

// ── Operations ───────────────────────────────────────────────────────────────

// SubmitEvent queues e for mining and shares it with peers. Broadcast failures
// are logged; the event stays pending locally either way.
func (n *Node) SubmitEvent(ctx context.Context, e chain.Event) error {
	if e.OccurredAt == 0 {
		e.OccurredAt = time.Now().UnixMilli()
	}
	if err := n.ledger.AddPendingEvent(e); err != nil {
		return err
	}
	pendingEvents.Set(float64(n.ledger.PendingCount()))
	if _, err := n.syncer.BroadcastEvent(ctx, e); err != nil {
		n.logger.Warn("event broadcast failed", zap.String("type", e.Type), zap.Error(err))
	}
	return nil
}

// EvaluateAccess evaluates ec against one policy, or against every active
// policy for ec.Resource when policyID is empty. The verdict event is queued
// on the ledger by the engine.
func (n *Node) EvaluateAccess(ctx context.Context, policyID string, ec policy.EvalContext) (*policy.Verdict, error) {
	ctx, span := n.tracer.Start(ctx, "node.EvaluateAccess", trace.WithAttributes(
		attribute.String("policy.id", policyID),
		attribute.String("resource", ec.Resource),
		attribute.String("action", ec.Action),
	))
	defer span.End()

	var (
		v   *policy.Verdict
		err error
	)
	if policyID == "" {
		v, err = n.engine.EvaluateResource(ctx, ec.Resource, ec)
	} else {
		v, err = n.engine.Evaluate(ctx, policyID, ec)
	}
	if err != nil {
		// A verdict whose event could not be queued is still returned.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, err
	}
	recordVerdict(v.Allowed)
	pendingEvents.Set(float64(n.ledger.PendingCount()))
	if !v.Allowed {
		n.notify(ctx, webhooks.EventAccessDenied, map[string]string{
			"actor":    ec.ActorID,
			"resource": ec.Resource,
			"action":   ec.Action,
			"policy":   v.PolicyID,
			"failed":   strings.Join(v.FailedConditions, ","),
		})
	}
	span.SetAttributes(attribute.Bool("allowed", v.Allowed), attribute.Int("risk", v.RiskScore))
	return v, nil
}

// MineNow mines the pending events, persists the block and announces it.
func (n *Node) MineNow(ctx context.Context, minerID string) (*chain.Block, error) {
	ctx, span := n.tracer.Start(ctx, "node.MineNow", trace.WithAttributes(
		attribute.String("miner", minerID),
		attribute.Int("pending", n.ledger.PendingCount()),
	))
	defer span.End()

	start := time.Now()
	b, err := n.ledger.MineBlock(ctx, minerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	miningDuration.Observe(time.Since(start).Seconds())
	blocksMinedTotal.Inc()
	span.SetAttributes(
		attribute.Int("block.index", b.Index),
		attribute.Int64("block.nonce", b.Nonce),
		attribute.Int("block.difficulty", b.Difficulty),
	)

	n.persistBlock(ctx, b)
	n.refreshGauges()
	if _, err := n.syncer.BroadcastBlock(ctx, b); err != nil {
		n.logger.Warn("block broadcast failed", zap.Int("index", b.Index), zap.Error(err))
	}
	n.notify(ctx, webhooks.EventBlockMined, map[string]string{
		"index":  strconv.Itoa(b.Index),
		"hash":   b.Hash,
		"events": strconv.Itoa(len(b.Events)),
		"miner":  minerID,
	})
	return b, nil
}

// SyncWith pulls peerID's chain and runs fork choice on it. The request
// starts at the local tip so a competing tip block is seen; deeper forks and
// shorter peers fall back to a full sync.
func (n *Node) SyncWith(ctx context.Context, peerID string) (consensus.Resolution, error) {
	ctx, span := n.tracer.Start(ctx, "node.SyncWith", trace.WithAttributes(attribute.String("peer", peerID)))
	defer span.End()

	res, err := n.syncer.RequestSync(ctx, peerID, n.ledger.Len()-1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("replaced", res.ShouldReplace))
	return res, err
}

// GetAuditTrail returns every mined event touching resource, oldest first.
func (n *Node) GetAuditTrail(resource string) []chain.Event {
	return n.ledger.AuditTrail(resource)
}

// IsChainValid reports whether the local chain passes full validation.
func (n *Node) IsChainValid() bool {
	return n.ledger.Validate() == nil
}

// ExportChain serialises the local chain.
func (n *Node) ExportChain() ([]byte, error) {
	return n.ledger.Export()
}

// ImportChain runs an exported chain through fork choice, adopting it only
// when it carries more work than the local chain.
func (n *Node) ImportChain(data []byte) (consensus.Resolution, error) {
	blocks, err := chain.ParseChain(data)
	if err != nil {
		return consensus.Resolution{}, err
	}
	res, err := n.resolver.HandleChain(blocks)
	if err != nil {
		return res, err
	}
	if res.ShouldReplace {
		n.onChainReplaced(n.ledger.Blocks())
	}
	return res, nil
}

// Archive uploads the current export and returns the object location.
func (n *Node) Archive(ctx context.Context) (string, error) {
	if n.archiver == nil {
		return "", fmt.Errorf("archiving is not configured")
	}
	ctx, span := n.tracer.Start(ctx, "node.Archive")
	defer span.End()

	data, err := n.ledger.Export()
	if err != nil {
		return "", err
	}
	loc, err := n.archiver.Upload(ctx, n.ledger.LastBlock().Hash, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	n.logger.Info("chain archived", zap.String("location", loc), zap.Int("length", n.ledger.Len()))
	return loc, nil
}

// HandlePeerMessage feeds a message received outside the transport's own
// subscription (for example over HTTP) into the peer protocol.
func (n *Node) HandlePeerMessage(ctx context.Context, msg peersync.Message) {
	n.syncer.HandleMessage(ctx, msg, msg.From)
}

// ── Persistence hooks ────────────────────────────────────────────────────────

// persistBlock writes b unless the chain moved past it before the write.
func (n *Node) persistBlock(ctx context.Context, b *chain.Block) {
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	current, err := n.ledger.Block(b.Index)
	if err != nil || current.Hash != b.Hash {
		return
	}
	if err := n.store.PutBlock(ctx, b); err != nil {
		storeErrorsTotal.WithLabelValues("put").Inc()
		n.logger.Error("persist block", zap.Int("index", b.Index), zap.Error(err))
	}
}

func (n *Node) onBlockAccepted(b *chain.Block) {
	peerBlocksTotal.WithLabelValues("appended").Inc()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	n.persistBlock(ctx, b)
	n.refreshGauges()
}

func (n *Node) onChainReplaced(_ []*chain.Block) {
	peerBlocksTotal.WithLabelValues("replaced").Inc()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	n.persistMu.Lock()
	defer n.persistMu.Unlock()
	if err := n.store.ReplaceAll(ctx, n.ledger.Blocks()); err != nil {
		storeErrorsTotal.WithLabelValues("replace").Inc()
		n.logger.Error("persist replaced chain", zap.Error(err))
	}
	n.refreshGauges()
	n.notify(ctx, webhooks.EventChainReplaced, map[string]string{
		"length": strconv.Itoa(n.ledger.Len()),
		"tip":    n.ledger.LastBlock().Hash,
	})
}

func (n *Node) notify(ctx context.Context, eventType string, payload map[string]string) {
	if n.notifier != nil {
		n.notifier.Dispatch(ctx, eventType, payload)
	}
}

func (n *Node) onSyncFinished(_ string, outcome string, elapsed time.Duration) {
	syncTotal.WithLabelValues(outcome).Inc()
	syncDuration.Observe(elapsed.Seconds())
}

func (n *Node) refreshGauges() {
	chainLength.Set(float64(n.ledger.Len()))
	pendingEvents.Set(float64(n.ledger.PendingCount()))
}
