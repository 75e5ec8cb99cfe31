// Package health probes configured peers and re-syncs with the ones that
// answer, so partitioned nodes converge once connectivity returns.
package health

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/consensus"
	"github.com/jmerrifield20/trustchain/internal/webhooks"
)

// Config holds peer check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	// Concurrency bounds simultaneous probes.
	Concurrency int
}

// Syncer pulls a peer's chain through fork choice. *node.Node satisfies it.
type Syncer interface {
	SyncWith(ctx context.Context, peerID string) (consensus.Resolution, error)
}

// Peer status values.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// PeerStatus is the last known state of one peer.
type PeerStatus struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	FailCount  int       `json:"failCount"`
	LastSeenAt time.Time `json:"lastSeenAt,omitzero"`
	LastSyncAt time.Time `json:"lastSyncAt,omitzero"`
	LastResult string    `json:"lastResult,omitempty"`
}

// WebhookDispatchFunc is an optional callback for peer state transitions.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic peer probes followed by an anti-entropy sync.
type Checker struct {
	syncer     Syncer
	httpClient *http.Client
	cfg        Config
	onWebhook  WebhookDispatchFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger

	mu    sync.Mutex
	peers map[string]*PeerStatus
}

// New creates a Checker for peers (id → base URL).
func New(peers map[string]string, syncer Syncer, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}

	st := make(map[string]*PeerStatus, len(peers))
	for id, u := range peers {
		st[id] = &PeerStatus{ID: id, URL: strings.TrimRight(u, "/"), Status: StatusUnknown}
	}
	return &Checker{
		syncer:     syncer,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
		peers:      st,
	}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *Checker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cctx, cancel := context.WithTimeout(ctx, h.cfg.CheckInterval)
			h.CheckAll(cctx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Statuses returns a snapshot of every peer, sorted by id.
func (h *Checker) Statuses() []PeerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerStatus, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerStatus) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CheckAll probes every peer with bounded concurrency and syncs with those
// that respond.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	targets := make([]PeerStatus, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, *p)
	}
	h.mu.Unlock()

	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, peer := range targets {
		wg.Add(1)
		go func(peer PeerStatus) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			h.checkPeer(ctx, peer.ID, peer.URL)
		}(peer)
	}

	wg.Wait()
}

func (h *Checker) checkPeer(ctx context.Context, id, baseURL string) {
	success := h.probeEndpoint(ctx, baseURL+"/healthz")
	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	p := h.peers[id]
	prevCount := p.FailCount
	if success {
		p.FailCount = 0
		p.Status = StatusHealthy
		p.LastSeenAt = time.Now().UTC()
	} else {
		p.FailCount++
		if p.FailCount >= h.cfg.FailThreshold {
			p.Status = StatusDegraded
		}
	}
	count := p.FailCount
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		// Transition: degraded → healthy
		h.logger.Info("peer recovered", zap.String("peer", id))
		h.dispatch(ctx, webhooks.EventPeerRecovered, id, baseURL)
	case !success && count == h.cfg.FailThreshold:
		// Transition: healthy → degraded (exactly at threshold)
		h.logger.Warn("peer degraded", zap.String("peer", id), zap.Int("fail_count", count))
		h.dispatch(ctx, webhooks.EventPeerDegraded, id, baseURL)
	}

	if !success || h.syncer == nil {
		return
	}
	res, err := h.syncer.SyncWith(ctx, id)
	result := res.Reason
	if err != nil {
		result = err.Error()
		h.logger.Debug("peer sync", zap.String("peer", id), zap.Error(err))
	} else if res.ShouldReplace {
		h.logger.Info("peer sync adopted remote chain", zap.String("peer", id), zap.String("reason", res.Reason))
	}

	h.mu.Lock()
	p.LastSyncAt = time.Now().UTC()
	p.LastResult = result
	h.mu.Unlock()
}

func (h *Checker) dispatch(ctx context.Context, eventType, id, baseURL string) {
	if h.onWebhook == nil {
		return
	}
	h.onWebhook(ctx, eventType, map[string]string{"peer": id, "url": baseURL})
}

// probeEndpoint attempts HEAD then GET, returning true if any 2xx response.
func (h *Checker) probeEndpoint(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close() //nolint:errcheck
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
