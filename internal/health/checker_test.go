package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/consensus"
	"github.com/jmerrifield20/trustchain/internal/webhooks"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubSyncer struct {
	mu    sync.Mutex
	calls []string
	res   consensus.Resolution
	err   error
}

func (s *stubSyncer) SyncWith(_ context.Context, peerID string) (consensus.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, peerID)
	return s.res, s.err
}

func (s *stubSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordedEvents) dispatch(_ context.Context, eventType string, _ map[string]string) {
	r.mu.Lock()
	r.types = append(r.types, eventType)
	r.mu.Unlock()
}

// flappingPeer answers 500 while down is set.
func flappingPeer(down *atomic.Bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() || r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProbeEndpoint(t *testing.T) {
	var down atomic.Bool
	srv := flappingPeer(&down)
	defer srv.Close()

	checker := New(nil, nil, Config{ProbeTimeout: 5 * time.Second}, zap.NewNop())
	if !checker.probeEndpoint(context.Background(), srv.URL+"/healthz") {
		t.Error("expected probe to succeed")
	}
	down.Store(true)
	if checker.probeEndpoint(context.Background(), srv.URL+"/healthz") {
		t.Error("expected probe to fail")
	}
}

func TestCheckAll_syncsHealthyPeers(t *testing.T) {
	var down atomic.Bool
	srv := flappingPeer(&down)
	defer srv.Close()

	syncer := &stubSyncer{res: consensus.Resolution{Reason: "local chain has equal or more work"}}
	checker := New(map[string]string{"b": srv.URL + "/"}, syncer, Config{}, zap.NewNop())
	var probes atomic.Int32
	checker.SetMetricsRecord(func(bool) { probes.Add(1) })

	checker.CheckAll(context.Background())

	if syncer.count() != 1 {
		t.Errorf("expected 1 sync, got %d", syncer.count())
	}
	if probes.Load() != 1 {
		t.Errorf("expected 1 probe recorded, got %d", probes.Load())
	}
	st := checker.Statuses()
	if len(st) != 1 || st[0].Status != StatusHealthy || st[0].LastSyncAt.IsZero() {
		t.Errorf("unexpected status %+v", st)
	}
	if st[0].LastResult != syncer.res.Reason {
		t.Errorf("last result = %q", st[0].LastResult)
	}
}

func TestCheckAll_degradesAfterThreshold(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	srv := flappingPeer(&down)
	defer srv.Close()

	syncer := &stubSyncer{}
	var events recordedEvents
	checker := New(map[string]string{"b": srv.URL}, syncer, Config{FailThreshold: 3}, zap.NewNop())
	checker.SetWebhookDispatch(events.dispatch)

	for i := 0; i < 4; i++ {
		checker.CheckAll(context.Background())
	}

	st := checker.Statuses()[0]
	if st.Status != StatusDegraded || st.FailCount != 4 {
		t.Errorf("expected degraded with 4 failures, got %+v", st)
	}
	if syncer.count() != 0 {
		t.Error("unreachable peer should not be synced")
	}
	if len(events.types) != 1 || events.types[0] != webhooks.EventPeerDegraded {
		t.Errorf("expected one degraded event, got %v", events.types)
	}
}

func TestCheckAll_recoversOnSuccess(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	srv := flappingPeer(&down)
	defer srv.Close()

	syncer := &stubSyncer{err: errors.New("sync timed out")}
	var events recordedEvents
	checker := New(map[string]string{"b": srv.URL}, syncer, Config{FailThreshold: 2}, zap.NewNop())
	checker.SetWebhookDispatch(events.dispatch)

	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	down.Store(false)
	checker.CheckAll(context.Background())

	st := checker.Statuses()[0]
	if st.Status != StatusHealthy || st.FailCount != 0 {
		t.Errorf("expected healthy after recovery, got %+v", st)
	}
	if st.LastResult != "sync timed out" {
		t.Errorf("sync error not recorded: %q", st.LastResult)
	}
	want := []string{webhooks.EventPeerDegraded, webhooks.EventPeerRecovered}
	if len(events.types) != 2 || events.types[0] != want[0] || events.types[1] != want[1] {
		t.Errorf("events = %v, want %v", events.types, want)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	checker := New(nil, nil, Config{CheckInterval: 10 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
