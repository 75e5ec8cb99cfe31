package client_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/api"
	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
	"github.com/jmerrifield20/trustchain/internal/identity"
	"github.com/jmerrifield20/trustchain/internal/node"
	"github.com/jmerrifield20/trustchain/internal/peersync"
	"github.com/jmerrifield20/trustchain/internal/policy"
	"github.com/jmerrifield20/trustchain/internal/store"
	"github.com/jmerrifield20/trustchain/pkg/client"
)

const secret = "admin-secret"

// ── Stub node ────────────────────────────────────────────────────────────────

func stubNode(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h, err := chaincrypto.NewHasher(chaincrypto.HashSHA256)
	if err != nil {
		t.Fatal(err)
	}
	l, err := chain.New(chain.Config{Difficulty: 1}, h, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	n, err := node.New(node.Config{NodeID: "stub"}, l, store.NewMemoryStore(), peersync.NewMemoryBus().Join("stub"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = n.Close() })

	tokens, err := identity.NewTokenIssuer(bytes.Repeat([]byte{3}, 32), "stub", time.Hour, l, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	router := api.NewRouter(ctx, api.RouterConfig{}, zap.NewNop(),
		api.NewLedgerHandler(n, tokens, zap.NewNop()),
		api.NewPolicyHandler(n, tokens, zap.NewNop()),
		api.NewTokenHandler(tokens, secret, zap.NewNop()),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestClient_endToEnd(t *testing.T) {
	srv := stubNode(t)
	ctx := context.Background()

	anon := client.MustNew(srv.URL)
	st, err := anon.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Length != 1 || st.Node != "stub" {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := anon.IssueToken(ctx, client.TokenRequest{ActorID: "alice"}); err == nil {
		t.Fatal("IssueToken without admin secret should fail")
	}

	admin := client.MustNew(srv.URL, client.WithAdminSecret(secret))
	tok, err := admin.IssueToken(ctx, client.TokenRequest{ActorID: "alice", Roles: []string{"admin"}})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	c := client.MustNew(srv.URL, client.WithBearerToken(tok.Token))
	if _, err := c.DeployPolicy(ctx, policy.Policy{
		ID: "pol-db", Name: "db", Resource: "db/users", AllowedRoles: []string{"admin"},
	}); err != nil {
		t.Fatalf("DeployPolicy: %v", err)
	}

	v, err := c.Evaluate(ctx, client.EvaluateRequest{Resource: "db/users", Action: "read"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Allowed {
		t.Errorf("admin should be allowed: %+v", v)
	}

	pending, err := c.SubmitEvent(ctx, chain.NewEvent(chain.KindAuditLog, &chain.AuditLog{Resource: "db/users", Action: "export"}, ""))
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if pending == 0 {
		t.Error("expected pending events")
	}

	b, err := c.Mine(ctx)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if b.Index != 1 {
		t.Errorf("mined index = %d", b.Index)
	}

	trail, err := c.Audit(ctx, "db/users")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	// policy_deployed, ACCESS_GRANTED, audit_log
	if len(trail) != 3 {
		t.Errorf("expected 3 events for db/users, got %d", len(trail))
	}

	vr, err := c.Verify(ctx)
	if err != nil || !vr.Valid {
		t.Errorf("Verify: %+v %v", vr, err)
	}

	data, err := c.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	blocks, err := chain.ParseChain(data)
	if err != nil || len(blocks) != 2 {
		t.Errorf("export has %d blocks, err %v", len(blocks), err)
	}

	got, err := c.Block(ctx, 1)
	if err != nil || got.Hash != b.Hash {
		t.Errorf("Block(1): %v", err)
	}
	if _, err := c.Block(ctx, 42); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Block(42): want ErrNotFound, got %v", err)
	}

	policies, err := c.ListPolicies(ctx)
	if err != nil || len(policies) != 1 {
		t.Errorf("ListPolicies: %d %v", len(policies), err)
	}
	if _, err := c.RevokePolicy(ctx, "pol-db"); err != nil {
		t.Errorf("RevokePolicy: %v", err)
	}
}
