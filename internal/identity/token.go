package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// ActorClaims are the JWT claims of an actor token. The roles and trust score
// feed straight into policy evaluation.
type ActorClaims struct {
	jwt.RegisteredClaims
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TrustScore *int     `json:"trust_score,omitempty"`
	MFA        bool     `json:"mfa,omitempty"`
}

// EventSink receives identity_issued events. *chain.Ledger satisfies it.
type EventSink interface {
	AddPendingEvent(e chain.Event) error
}

// TokenIssuer issues and verifies actor tokens signed with Ed25519.
type TokenIssuer struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
	sink   EventSink
	logger *zap.Logger
}

// NewTokenIssuer creates a TokenIssuer. A 32-byte seed pins the signing key so
// tokens survive restarts; an empty seed generates a fresh key. Every issued
// token is recorded on sink as an identity_issued event when sink is non-nil.
//
//	issuer: the "iss" claim value, typically the node id.
//	ttl:    token lifetime (default 1 hour).
func NewTokenIssuer(seed []byte, issuer string, ttl time.Duration, sink EventSink, logger *zap.Logger) (*TokenIssuer, error) {
	if ttl == 0 {
		ttl = time.Hour
	}
	if len(seed) == 0 {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate signing seed: %w", err)
		}
	}
	if len(seed) < ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be at least %d bytes", ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return &TokenIssuer{
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuer,
		ttl:    ttl,
		sink:   sink,
		logger: logger,
	}, nil
}

// IssueRequest describes the actor a token is minted for.
type IssueRequest struct {
	ActorID    string   `json:"actorId" binding:"required"`
	Roles      []string `json:"roles"`
	TrustScore *int     `json:"trustScore"`
	MFA        bool     `json:"mfa"`
}

// Issue creates a signed actor token and returns it with its claims.
func (t *TokenIssuer) Issue(req IssueRequest) (string, *ActorClaims, error) {
	if req.ActorID == "" {
		return "", nil, fmt.Errorf("actor id is required")
	}
	now := time.Now().UTC()
	claims := &ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   req.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		ActorID:    req.ActorID,
		Roles:      req.Roles,
		TrustScore: req.TrustScore,
		MFA:        req.MFA,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	if t.sink != nil {
		ev := chain.NewEvent(chain.KindIdentityIssued, &chain.IdentityIssued{
			Subject:   req.ActorID,
			Roles:     req.Roles,
			TokenID:   claims.ID,
			ExpiresAt: claims.ExpiresAt.UnixMilli(),
		}, t.issuer)
		if err := t.sink.AddPendingEvent(ev); err != nil {
			t.logger.Warn("failed to record identity_issued", zap.String("actor", req.ActorID), zap.Error(err))
		}
	}
	t.logger.Info("actor token issued",
		zap.String("actor", req.ActorID),
		zap.Strings("roles", req.Roles),
		zap.String("jti", claims.ID),
	)
	return signed, claims, nil
}

// Verify parses and validates an actor token, returning its claims on success.
func (t *TokenIssuer) Verify(tokenStr string) (*ActorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ActorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// PublicKeyPEM returns the Ed25519 verification key in PKIX PEM format.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
