package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/policy"
)

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

// maxExport bounds how much of a chain export the client will read.
const maxExport = 64 << 20

// Status is the chain summary returned by GET /api/v1/ledger.
type Status struct {
	Length     int    `json:"length"`
	Tip        string `json:"tip"`
	Difficulty int    `json:"difficulty"`
	Pending    int    `json:"pending"`
	State      string `json:"state"`
	Node       string `json:"node"`
}

// VerifyResult is returned by GET /api/v1/ledger/verify.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Index *int   `json:"index,omitempty"`
}

// EvaluateRequest is the payload for Evaluate. Identity fields are only
// honoured by nodes running without token auth.
type EvaluateRequest struct {
	PolicyID          string            `json:"policyId,omitempty"`
	Resource          string            `json:"resource"`
	Action            string            `json:"action"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty"`
	Signature         string            `json:"signature,omitempty"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	ActorID           string            `json:"actorId,omitempty"`
	Roles             []string          `json:"roles,omitempty"`
	TrustScore        int               `json:"trustScore,omitempty"`
	MFAVerified       bool              `json:"mfaVerified,omitempty"`
}

// TokenRequest is the payload for IssueToken.
type TokenRequest struct {
	ActorID    string   `json:"actorId"`
	Roles      []string `json:"roles,omitempty"`
	TrustScore *int     `json:"trustScore,omitempty"`
	MFA        bool     `json:"mfa,omitempty"`
}

// TokenResult holds a freshly minted actor token.
type TokenResult struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	ActorID   string    `json:"actor_id"`
}

// Client talks to one node.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	adminSecret string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an actor token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithAdminSecret sends the node's admin secret, required by IssueToken.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// New creates a Client for the node at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid node URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Ledger ───────────────────────────────────────────────────────────────────

// Status returns the chain summary.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.getJSON(ctx, "/api/v1/ledger", &out)
}

// Verify asks the node to validate its whole chain.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	return &out, c.getJSON(ctx, "/api/v1/ledger/verify", &out)
}

// Block fetches one block by index.
func (c *Client) Block(ctx context.Context, index int) (*chain.Block, error) {
	var out chain.Block
	return &out, c.getJSON(ctx, "/api/v1/ledger/blocks/"+strconv.Itoa(index), &out)
}

// Export downloads the whole chain as JSON.
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/ledger/export", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, maxExport)
}

// Mine asks the node to mine its pending events now.
func (c *Client) Mine(ctx context.Context) (*chain.Block, error) {
	var out chain.Block
	return &out, c.sendJSON(ctx, http.MethodPost, "/api/v1/ledger/mine", nil, &out)
}

// SubmitEvent queues an event and returns the node's pending count.
func (c *Client) SubmitEvent(ctx context.Context, e chain.Event) (int, error) {
	var out struct {
		Pending int `json:"pending"`
	}
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/events", e, &out)
	return out.Pending, err
}

// Audit returns every mined event touching resource.
func (c *Client) Audit(ctx context.Context, resource string) ([]chain.Event, error) {
	var out struct {
		Events []chain.Event `json:"events"`
	}
	err := c.getJSON(ctx, "/api/v1/audit?resource="+url.QueryEscape(resource), &out)
	return out.Events, err
}

// ── Policies ─────────────────────────────────────────────────────────────────

// DeployPolicy creates a policy at version 1.
func (c *Client) DeployPolicy(ctx context.Context, p policy.Policy) (*policy.Policy, error) {
	var out policy.Policy
	return &out, c.sendJSON(ctx, http.MethodPost, "/api/v1/policies", p, &out)
}

// ListPolicies returns every policy the node knows.
func (c *Client) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	var out struct {
		Policies []policy.Policy `json:"policies"`
	}
	err := c.getJSON(ctx, "/api/v1/policies", &out)
	return out.Policies, err
}

// RevokePolicy deactivates a policy.
func (c *Client) RevokePolicy(ctx context.Context, id string) (*policy.Policy, error) {
	var out policy.Policy
	return &out, c.sendJSON(ctx, http.MethodDelete, "/api/v1/policies/"+url.PathEscape(id), nil, &out)
}

// Evaluate asks for an access verdict. A denial is returned as a Verdict
// with Allowed false, not as an error.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*policy.Verdict, error) {
	var out policy.Verdict
	return &out, c.sendJSON(ctx, http.MethodPost, "/api/v1/access/evaluate", req, &out)
}

// IssueToken mints an actor token. Requires WithAdminSecret.
func (c *Client) IssueToken(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	var out TokenResult
	return &out, c.sendJSON(ctx, http.MethodPost, "/api/v1/tokens", req, &out)
}

// ── Transport ────────────────────────────────────────────────────────────────

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req, 1<<20)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req, 1<<20)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// do executes an HTTP request, attaching credentials if present.
func (c *Client) do(req *http.Request, limit int64) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: %s", errorMessage(body))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

// errorMessage extracts {"error": "..."} from a response body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
