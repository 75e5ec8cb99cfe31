// Package webhooks notifies external systems of ledger activity with
// HMAC-signed HTTP callbacks.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Trustchain-Signature"

// ErrSubscriptionNotFound is returned for unknown subscription ids.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// maxDeliveryLog bounds the in-memory delivery history.
const maxDeliveryLog = 200

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Service manages webhook subscriptions and event dispatching.
type Service struct {
	nodeID     string
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger

	// Delay before each retry; one attempt plus len(retryDelays) retries.
	retryDelays []time.Duration

	mu         sync.RWMutex
	subs       map[uuid.UUID]*Subscription
	deliveries []Delivery

	inflight sync.WaitGroup
}

// NewService creates a new webhook Service.
func NewService(nodeID string, logger *zap.Logger) *Service {
	return &Service{
		nodeID:      nodeID,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second},
		subs:        make(map[uuid.UUID]*Subscription),
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// SetRetryDelays overrides the backoff between delivery attempts.
func (s *Service) SetRetryDelays(d ...time.Duration) {
	s.retryDelays = d
}

// Subscribe registers url for events. An empty secret generates one.
func (s *Service) Subscribe(url string, events []string, secret string) (*Subscription, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event type is required")
	}
	for _, e := range events {
		if !slices.Contains(KnownEvents, e) {
			return nil, fmt.Errorf("unknown event type %q", e)
		}
	}
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}

	sub := &Subscription{
		ID:        uuid.New(),
		URL:       url,
		Events:    slices.Clone(events),
		Secret:    secret,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	s.logger.Info("webhook subscribed", zap.String("url", url), zap.Strings("events", events))
	return sub, nil
}

// LoadConfig registers every configured subscription.
func (s *Service) LoadConfig(cfgs []SubscriptionConfig) error {
	for i, c := range cfgs {
		if _, err := s.Subscribe(c.URL, c.Events, c.Secret); err != nil {
			return fmt.Errorf("webhook %d: %w", i, err)
		}
	}
	return nil
}

// Unsubscribe deletes a subscription.
func (s *Service) Unsubscribe(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}

// List returns every subscription, oldest first.
func (s *Service) List() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	slices.SortFunc(out, func(a, b Subscription) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Deliveries returns the most recent delivery attempts, oldest first.
func (s *Service) Deliveries() []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.deliveries)
}

// Dispatch fans out an event to all matching subscriptions. Delivery runs in
// the background, detached from ctx's cancellation.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	s.mu.RLock()
	var subs []Subscription
	for _, sub := range s.subs {
		if slices.Contains(sub.Events, eventType) {
			subs = append(subs, *sub)
		}
	}
	s.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Node:      s.nodeID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	ctx = context.WithoutCancel(ctx)
	for _, sub := range subs {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.deliver(ctx, sub, event)
		}()
	}
}

// Wait blocks until every in-flight delivery has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// deliver sends the event to a single subscription with retries.
func (s *Service) deliver(ctx context.Context, sub Subscription, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}
	signature := signPayload(body, sub.Secret)

	attempts := len(s.retryDelays) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			time.Sleep(s.retryDelays[attempt-2])
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, event.ID, body, signature)
		s.record(Delivery{
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
			DeliveredAt:    time.Now().UTC(),
		})
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

func (s *Service) record(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	if n := len(s.deliveries); n > maxDeliveryLog {
		s.deliveries = slices.Clone(s.deliveries[n-maxDeliveryLog:])
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, eventID uuid.UUID, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set("X-Trustchain-Delivery", eventID.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close() //nolint:errcheck

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(signature))
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
