package peersync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
	"github.com/jmerrifield20/trustchain/internal/consensus"
	"github.com/jmerrifield20/trustchain/internal/peersync"
)

type testNode struct {
	id        string
	ledger    *chain.Ledger
	syncer    *peersync.Syncer
	transport *peersync.MemoryTransport
	replaced  atomic.Int32
	accepted  atomic.Int32
}

func newNode(t *testing.T, bus *peersync.MemoryBus, id string, difficulty int) *testNode {
	t.Helper()
	h, err := chaincrypto.NewHasher(chaincrypto.HashSHA256)
	require.NoError(t, err)
	l, err := chain.New(chain.Config{Difficulty: difficulty}, h, zap.NewNop())
	require.NoError(t, err)

	n := &testNode{id: id, ledger: l, transport: bus.Join(id)}
	resolver := consensus.NewResolver(l, consensus.NewValidator(h, 0), zap.NewNop())
	n.syncer = peersync.NewSyncer(
		peersync.Config{NodeID: id, Timeout: 2 * time.Second},
		l, resolver, n.transport,
		peersync.Hooks{
			BlockAccepted: func(*chain.Block) { n.accepted.Add(1) },
			ChainReplaced: func([]*chain.Block) { n.replaced.Add(1) },
		},
		zap.NewNop(),
	)
	require.NoError(t, n.syncer.Start(context.Background()))
	t.Cleanup(func() { _ = n.transport.Close() })
	return n
}

func (n *testNode) mine(t *testing.T, action string) *chain.Block {
	t.Helper()
	require.NoError(t, n.ledger.AddPendingEvent(chain.NewEvent(chain.KindAuditLog,
		&chain.AuditLog{Resource: "db", Action: action}, n.id)))
	b, err := n.ledger.MineBlock(context.Background(), n.id)
	require.NoError(t, err)
	return b
}

func TestCompatible(t *testing.T) {
	assert.True(t, peersync.Compatible("1.0.0"))
	assert.True(t, peersync.Compatible("1.9.2"))
	assert.False(t, peersync.Compatible("2.0.0"))
	assert.False(t, peersync.Compatible("0.9.0"))
	assert.False(t, peersync.Compatible("not-a-version"))
}

func TestRequestSync_adoptsHeavierChain(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	a.mine(t, "one")
	a.mine(t, "two")

	res, err := b.syncer.RequestSync(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.True(t, res.ShouldReplace, res.Reason)
	assert.Equal(t, a.ledger.LastBlock().Hash, b.ledger.LastBlock().Hash)
	assert.Equal(t, chain.StateIdle, b.ledger.State())
	assert.EqualValues(t, 1, b.replaced.Load())
}

func TestRequestSync_keepsLocalOnTie(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	a.mine(t, "a")
	mine := b.mine(t, "b")

	res, err := b.syncer.RequestSync(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.False(t, res.ShouldReplace)
	assert.Equal(t, mine.Hash, b.ledger.LastBlock().Hash)
}

func TestRequestSync_timeoutLeavesChainUntouched(t *testing.T) {
	bus := peersync.NewMemoryBus()
	h, _ := chaincrypto.NewHasher(chaincrypto.HashSHA256)
	l, _ := chain.New(chain.Config{Difficulty: 1}, h, zap.NewNop())
	tr := bus.Join("b")
	s := peersync.NewSyncer(peersync.Config{NodeID: "b", Timeout: 50 * time.Millisecond}, l,
		consensus.NewResolver(l, consensus.NewValidator(h, 0), zap.NewNop()), tr, peersync.Hooks{}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	silent := bus.Join("silent")
	require.NoError(t, silent.Subscribe(context.Background(), func(context.Context, peersync.Message, string) {}))

	_, err := s.RequestSync(context.Background(), "silent", 0)
	assert.ErrorIs(t, err, peersync.ErrSyncTimeout)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, chain.StateIdle, l.State())

	_, err = s.RequestSync(context.Background(), "nobody", 0)
	assert.ErrorIs(t, err, peersync.ErrUnknownPeer)
	bus.Wait()
}

func TestBroadcastBlock_appendsOnPeer(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	c := newNode(t, bus, "c", 1)

	blk := a.mine(t, "one")
	n, err := a.syncer.BroadcastBlock(context.Background(), blk)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	bus.Wait()

	for _, peer := range []*testNode{b, c} {
		assert.Equal(t, blk.Hash, peer.ledger.LastBlock().Hash, peer.id)
		assert.EqualValues(t, 1, peer.accepted.Load(), peer.id)
	}
}

func TestBroadcastBlock_aheadTriggersSync(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)

	a.mine(t, "one")
	a.mine(t, "two")
	third := a.mine(t, "three")

	_, err := a.syncer.BroadcastBlock(context.Background(), third)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.ledger.Len() == 4 }, 5*time.Second, 10*time.Millisecond)
	b.syncer.Wait()
	assert.Equal(t, third.Hash, b.ledger.LastBlock().Hash)
}

func TestRequestSync_partialResponseRetriesFromGenesis(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	a.mine(t, "a1")
	a.mine(t, "a2")
	a.mine(t, "a3")
	b.mine(t, "b1")

	res, err := b.syncer.RequestSync(context.Background(), "a", b.ledger.Len())
	require.NoError(t, err)
	assert.True(t, res.ShouldReplace, res.Reason)
	assert.Equal(t, a.ledger.LastBlock().Hash, b.ledger.LastBlock().Hash)
}

func TestRequestSync_shorterHeavierPeerWins(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 4)
	b := newNode(t, bus, "b", 1)
	a.mine(t, "a1")
	b.mine(t, "b1")
	b.mine(t, "b2")
	b.mine(t, "b3")

	// Work a: 1 + 16 = 17, b: 1 + 2 + 2 + 2 = 7, though a is two blocks shorter.
	res, err := b.syncer.RequestSync(context.Background(), "a", b.ledger.Len()-1)
	require.NoError(t, err)
	assert.True(t, res.ShouldReplace, res.Reason)
	assert.Equal(t, a.ledger.LastBlock().Hash, b.ledger.LastBlock().Hash)
	assert.Equal(t, 2, b.ledger.Len())
	assert.Len(t, b.ledger.Pending(), 3, "orphaned events return to pending")
}

func TestHandleMessage_ignoresBlocksWhileSyncing(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	blk := a.mine(t, "one")

	require.NoError(t, b.ledger.BeginSync())
	msg, err := peersync.NewMessage(peersync.TypeBlock, "a", blk)
	require.NoError(t, err)
	b.syncer.HandleMessage(context.Background(), msg, "a")
	b.ledger.EndSync()

	assert.Equal(t, 1, b.ledger.Len())
	assert.EqualValues(t, 1, b.syncer.IgnoredBlocks())
}

func TestHandleMessage_incompatibleProtocolDropped(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)
	blk := a.mine(t, "one")

	msg, err := peersync.NewMessage(peersync.TypeBlock, "a", blk)
	require.NoError(t, err)
	msg.Protocol = "2.0.0"
	b.syncer.HandleMessage(context.Background(), msg, "a")
	assert.Equal(t, 1, b.ledger.Len())
}

func TestBroadcastEvent_queuesOnPeers(t *testing.T) {
	bus := peersync.NewMemoryBus()
	a := newNode(t, bus, "a", 1)
	b := newNode(t, bus, "b", 1)

	ev := chain.NewEvent(chain.KindPermissionGranted, &chain.PermissionChange{Resource: "db", Subject: "bob", Permission: "read"}, "admin")
	n, err := a.syncer.BroadcastEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	bus.Wait()

	pending := b.ledger.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, chain.KindPermissionGranted, pending[0].Type)
}

func TestHTTPTransport(t *testing.T) {
	received := make(chan peersync.Message, 4)
	var inbound *peersync.HTTPTransport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != peersync.MessagesPath {
			http.NotFound(w, r)
			return
		}
		var msg peersync.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := inbound.Deliver(msg); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	inbound = peersync.NewHTTPTransport("b", nil, 0, zap.NewNop())
	require.NoError(t, inbound.Subscribe(context.Background(), func(_ context.Context, msg peersync.Message, _ string) {
		received <- msg
	}))

	peers, err := peersync.ParsePeers([]string{"b=" + srv.URL, "down=http://127.0.0.1:1"})
	require.NoError(t, err)
	out := peersync.NewHTTPTransport("a", peers, time.Second, zap.NewNop())

	msg, err := peersync.NewMessage(peersync.TypeSyncRequest, "a", peersync.SyncRequest{FromIndex: 3})
	require.NoError(t, err)

	n, err := out.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case got := <-received:
		var req peersync.SyncRequest
		require.NoError(t, got.Decode(&req))
		assert.Equal(t, 3, req.FromIndex)
		assert.Equal(t, "a", got.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, out.SendToPeer(context.Background(), "b", msg))
	assert.ErrorIs(t, out.SendToPeer(context.Background(), "zzz", msg), peersync.ErrUnknownPeer)
	assert.Error(t, out.SendToPeer(context.Background(), "down", msg))

	_, err = peersync.ParsePeers([]string{"missing-url"})
	assert.Error(t, err)
	require.NoError(t, inbound.Close())
}

func TestHTTPTransport_CloseWaitsForAcceptedDeliveries(t *testing.T) {
	tr := peersync.NewHTTPTransport("b", nil, 0, zap.NewNop())
	var handled atomic.Int32
	require.NoError(t, tr.Subscribe(context.Background(), func(context.Context, peersync.Message, string) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
	}))
	msg, err := peersync.NewMessage(peersync.TypeSyncRequest, "a", peersync.SyncRequest{})
	require.NoError(t, err)

	var (
		accepted atomic.Int32
		senders  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 50; j++ {
				if tr.Deliver(msg) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.Close())
	closedAt := handled.Load()
	senders.Wait()

	// Everything accepted before Close returned has been handled, and
	// nothing is accepted after it.
	assert.Equal(t, accepted.Load(), closedAt)
	assert.Equal(t, closedAt, handled.Load())
	assert.Error(t, tr.Deliver(msg))
}
