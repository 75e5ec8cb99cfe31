package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Timestamper obtains an external attestation for a block hash.
type Timestamper interface {
	Attest(ctx context.Context, hash string) (*ExternalTimestamp, error)
}

// AuthorityClient talks to a single timestamp authority over HTTP. The
// authority accepts POST {"hash": ...} and answers with a token and the time
// it observed the hash.
type AuthorityClient struct {
	baseURL string
	http    *http.Client
}

// NewAuthorityClient creates an AuthorityClient targeting baseURL.
func NewAuthorityClient(baseURL string, timeout time.Duration) *AuthorityClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &AuthorityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type attestRequest struct {
	Hash string `json:"hash"`
}

type attestResponse struct {
	Hash      string `json:"hash"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
}

// Attest implements Timestamper.
func (c *AuthorityClient) Attest(ctx context.Context, hash string) (*ExternalTimestamp, error) {
	body, err := json.Marshal(attestRequest{Hash: hash})
	if err != nil {
		return nil, fmt.Errorf("marshal attest request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/timestamp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build attest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attest request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp authority returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read attest response: %w", err)
	}
	var out attestResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode attest response: %w", err)
	}
	if out.Hash != hash {
		return nil, fmt.Errorf("timestamp authority echoed a different hash")
	}
	if out.Token == "" {
		return nil, fmt.Errorf("timestamp authority returned an empty token")
	}
	return &ExternalTimestamp{
		Authority: c.baseURL,
		Token:     out.Token,
		Verified:  true,
		CreatedAt: out.CreatedAt,
	}, nil
}

// FallbackTimestamper tries each authority in order. When all of them fail it
// returns an unverified local timestamp instead of an error, so mining never
// blocks on an unreachable authority.
type FallbackTimestamper struct {
	authorities []Timestamper
	logger      *zap.Logger
	now         func() time.Time
}

// NewFallbackTimestamper creates a FallbackTimestamper.
func NewFallbackTimestamper(logger *zap.Logger, authorities ...Timestamper) *FallbackTimestamper {
	return &FallbackTimestamper{authorities: authorities, logger: logger, now: time.Now}
}

// Attest implements Timestamper. The returned error is always nil.
func (f *FallbackTimestamper) Attest(ctx context.Context, hash string) (*ExternalTimestamp, error) {
	for i, a := range f.authorities {
		ts, err := a.Attest(ctx, hash)
		if err == nil {
			return ts, nil
		}
		f.logger.Warn("timestamp authority failed",
			zap.Int("authority", i),
			zap.String("hash", hash),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return &ExternalTimestamp{Verified: false, CreatedAt: f.now().UnixMilli()}, nil
}
