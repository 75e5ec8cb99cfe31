package peersync

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownPeer is returned when sending to a peer the transport cannot reach.
var ErrUnknownPeer = errors.New("unknown peer")

// Handler is invoked for every inbound message.
type Handler func(ctx context.Context, msg Message, peerID string)

// Transport is the peer messaging collaborator.
type Transport interface {
	// Broadcast sends msg to every peer and returns how many received it.
	Broadcast(ctx context.Context, msg Message) (int, error)
	// SendToPeer sends msg to a single peer.
	SendToPeer(ctx context.Context, peerID string, msg Message) error
	// Subscribe starts delivering inbound messages to h until ctx is done or
	// the transport is closed.
	Subscribe(ctx context.Context, h Handler) error
	// Close stops delivery and releases resources.
	Close() error
}

// ── In-memory bus ────────────────────────────────────────────────────────────

// MemoryBus connects MemoryTransports inside one process.
type MemoryBus struct {
	mu    sync.RWMutex
	peers map[string]*MemoryTransport
	wg    sync.WaitGroup
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{peers: make(map[string]*MemoryTransport)}
}

// Join attaches a peer with the given ID.
func (b *MemoryBus) Join(id string) *MemoryTransport {
	t := &MemoryTransport{id: id, bus: b}
	b.mu.Lock()
	b.peers[id] = t
	b.mu.Unlock()
	return t
}

// Wait blocks until every in-flight delivery has been handled.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

func (b *MemoryBus) deliver(to *MemoryTransport, msg Message, from string) bool {
	to.mu.RLock()
	h, ctx := to.handler, to.ctx
	to.mu.RUnlock()
	if h == nil || ctx.Err() != nil {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		h(ctx, msg, from)
	}()
	return true
}

// MemoryTransport is one peer's view of a MemoryBus. Deliveries run on their
// own goroutines.
type MemoryTransport struct {
	id  string
	bus *MemoryBus

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context
}

var _ Transport = (*MemoryTransport)(nil)

// Broadcast implements Transport.
func (t *MemoryTransport) Broadcast(_ context.Context, msg Message) (int, error) {
	t.bus.mu.RLock()
	defer t.bus.mu.RUnlock()
	n := 0
	for id, peer := range t.bus.peers {
		if id == t.id {
			continue
		}
		if t.bus.deliver(peer, msg, t.id) {
			n++
		}
	}
	return n, nil
}

// SendToPeer implements Transport.
func (t *MemoryTransport) SendToPeer(_ context.Context, peerID string, msg Message) error {
	t.bus.mu.RLock()
	peer, ok := t.bus.peers[peerID]
	t.bus.mu.RUnlock()
	if !ok || !t.bus.deliver(peer, msg, t.id) {
		return ErrUnknownPeer
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler, t.ctx = h, ctx
	t.mu.Unlock()
	return nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.bus.mu.Lock()
	delete(t.bus.peers, t.id)
	t.bus.mu.Unlock()
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}
