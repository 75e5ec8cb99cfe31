package peersync

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport uses Redis pub/sub: one broadcast channel shared by every
// node and one direct channel per node.
type RedisTransport struct {
	client *redis.Client
	id     string
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport creates a transport for node id. prefix namespaces the
// channels so several networks can share one Redis.
func NewRedisTransport(client *redis.Client, id, prefix string, logger *zap.Logger) *RedisTransport {
	if prefix == "" {
		prefix = "trustchain"
	}
	return &RedisTransport{client: client, id: id, prefix: prefix, logger: logger}
}

func (t *RedisTransport) broadcastChannel() string {
	return t.prefix + ":broadcast"
}

func (t *RedisTransport) peerChannel(id string) string {
	return t.prefix + ":peer:" + id
}

// Broadcast implements Transport. The recipient count comes from PUBLISH and
// excludes this node's own subscription.
func (t *RedisTransport) Broadcast(ctx context.Context, msg Message) (int, error) {
	data, err := encode(msg)
	if err != nil {
		return 0, err
	}
	n, err := t.client.Publish(ctx, t.broadcastChannel(), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish broadcast: %w", err)
	}
	t.mu.Lock()
	subscribed := t.pubsub != nil
	t.mu.Unlock()
	if subscribed && n > 0 {
		n--
	}
	return int(n), nil
}

// SendToPeer implements Transport.
func (t *RedisTransport) SendToPeer(ctx context.Context, peerID string, msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	n, err := t.client.Publish(ctx, t.peerChannel(peerID), data).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", peerID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s has no subscriber", ErrUnknownPeer, peerID)
	}
	return nil
}

// Subscribe implements Transport.
func (t *RedisTransport) Subscribe(ctx context.Context, h Handler) error {
	ps := t.client.Subscribe(ctx, t.broadcastChannel(), t.peerChannel(t.id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	t.mu.Lock()
	t.pubsub = ps
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decode([]byte(m.Payload))
				if err != nil {
					t.logger.Warn("dropping undecodable peer message", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				if msg.From == t.id {
					continue
				}
				h(ctx, msg, msg.From)
			}
		}
	}()
	return nil
}

// Close implements Transport. The Redis client itself is owned by the caller.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	ps := t.pubsub
	t.pubsub = nil
	t.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
	}
	t.wg.Wait()
	return err
}
