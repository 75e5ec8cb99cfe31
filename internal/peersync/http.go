package peersync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MessagesPath is where peers accept inbound messages.
const MessagesPath = "/api/v1/peer/messages"

// HTTPTransport posts messages to statically configured peer URLs. Inbound
// messages arrive through Deliver, which the API layer calls.
type HTTPTransport struct {
	id     string
	peers  map[string]string
	http   *http.Client
	logger *zap.Logger

	mu      sync.RWMutex
	handler Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTPTransport. peers maps peer IDs to base URLs.
func NewHTTPTransport(id string, peers map[string]string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	clean := make(map[string]string, len(peers))
	for pid, u := range peers {
		clean[pid] = strings.TrimRight(u, "/")
	}
	return &HTTPTransport{
		id:     id,
		peers:  clean,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// ParsePeers turns "id=url" entries into a peer map.
func ParsePeers(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		id, u, ok := strings.Cut(e, "=")
		if !ok || id == "" || u == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=url", e)
		}
		out[strings.TrimSpace(id)] = strings.TrimSpace(u)
	}
	return out, nil
}

func (t *HTTPTransport) post(ctx context.Context, baseURL string, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+MessagesPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", baseURL, resp.StatusCode)
	}
	return nil
}

// Broadcast implements Transport. It returns an error only when every peer failed.
func (t *HTTPTransport) Broadcast(ctx context.Context, msg Message) (int, error) {
	var errs []error
	n := 0
	for pid, u := range t.peers {
		if pid == t.id {
			continue
		}
		if err := t.post(ctx, u, msg); err != nil {
			t.logger.Debug("broadcast to peer failed", zap.String("peer", pid), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return n, nil
}

// SendToPeer implements Transport.
func (t *HTTPTransport) SendToPeer(ctx context.Context, peerID string, msg Message) error {
	u, ok := t.peers[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return t.post(ctx, u, msg)
}

// Subscribe implements Transport.
func (t *HTTPTransport) Subscribe(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.handler, t.ctx = h, ctx
	t.mu.Unlock()
	return nil
}

// Deliver hands an inbound message to the subscribed handler on its own
// goroutine, so the HTTP request is not held open while it is processed.
func (t *HTTPTransport) Deliver(msg Message) error {
	t.mu.RLock()
	h, ctx := t.handler, t.ctx
	if h == nil {
		t.mu.RUnlock()
		return errors.New("peer transport not subscribed")
	}
	// Close must see this Add before it waits.
	t.wg.Add(1)
	t.mu.RUnlock()
	go func() {
		defer t.wg.Done()
		h(ctx, msg, msg.From)
	}()
	return nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
