package identity_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
	"github.com/jmerrifield20/trustchain/internal/identity"
)

type recordingSink struct{ events []chain.Event }

func (s *recordingSink) AddPendingEvent(e chain.Event) error {
	s.events = append(s.events, e)
	return nil
}

func newIssuer(t *testing.T, ttl time.Duration, sink identity.EventSink) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer(bytes.Repeat([]byte{7}, 32), "node-a", ttl, sink, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return ti
}

func TestTokenIssuer_IssueAndVerify(t *testing.T) {
	sink := &recordingSink{}
	ti := newIssuer(t, time.Hour, sink)
	score := 80

	token, issued, err := ti.Issue(identity.IssueRequest{ActorID: "alice", Roles: []string{"admin"}, TrustScore: &score})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.ActorID != "alice" || claims.Subject != "alice" {
		t.Errorf("actor: got %q/%q", claims.ActorID, claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Errorf("roles: got %v", claims.Roles)
	}
	if claims.TrustScore == nil || *claims.TrustScore != 80 {
		t.Errorf("trust score: got %v", claims.TrustScore)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected one identity_issued event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Type != chain.KindIdentityIssued {
		t.Errorf("event type = %s", ev.Type)
	}
	payload, ok := ev.Payload.(*chain.IdentityIssued)
	if !ok || payload.Subject != "alice" || payload.TokenID != issued.ID {
		t.Errorf("unexpected payload %+v", ev.Payload)
	}
}

func TestTokenIssuer_seedIsStable(t *testing.T) {
	a := newIssuer(t, time.Hour, nil)
	b := newIssuer(t, time.Hour, nil)
	token, _, err := a.Issue(identity.IssueRequest{ActorID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(token); err != nil {
		t.Errorf("issuer with same seed should verify: %v", err)
	}
}

func TestTokenIssuer_Verify_rejects(t *testing.T) {
	ti := newIssuer(t, time.Hour, nil)
	other, err := identity.NewTokenIssuer(nil, "node-a", time.Hour, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	foreign, _, _ := other.Issue(identity.IssueRequest{ActorID: "mallory"})

	expiredIssuer := newIssuer(t, time.Nanosecond, nil)
	expired, _, _ := expiredIssuer.Issue(identity.IssueRequest{ActorID: "alice"})
	time.Sleep(2 * time.Millisecond)

	for name, token := range map[string]string{
		"garbage": "not.a.jwt",
		"foreign": foreign,
		"expired": expired,
	} {
		if _, err := ti.Verify(token); err == nil {
			t.Errorf("%s: expected verification failure", name)
		}
	}
}

func TestTokenIssuer_Issue_requiresActor(t *testing.T) {
	if _, _, err := newIssuer(t, time.Hour, nil).Issue(identity.IssueRequest{}); err == nil {
		t.Error("expected error for empty actor id")
	}
}

func TestTokenIssuer_PublicKeyPEM(t *testing.T) {
	pemStr, err := newIssuer(t, time.Hour, nil).PublicKeyPEM()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pemStr, "-----BEGIN PUBLIC KEY-----") {
		t.Errorf("unexpected PEM: %q", pemStr)
	}
}

// ── Middleware ───────────────────────────────────────────────────────────────

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newIssuer(t, time.Hour, nil)
	r := gin.New()
	r.GET("/me", identity.RequireToken(ti), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": identity.ClaimsFromCtx(c).ActorID})
	})

	token, _, _ := ti.Issue(identity.IssueRequest{ActorID: "carol"})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "anything", http.StatusForbidden},
		{"wrong", "s3cret", "nope", http.StatusUnauthorized},
		{"right", "s3cret", "s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		r := gin.New()
		r.POST("/tokens", identity.RequireAdmin(tt.secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })
		req := httptest.NewRequest(http.MethodPost, "/tokens", nil)
		req.Header.Set("X-Admin-Secret", tt.header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}
