package chaincrypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Signature algorithm names accepted by NewSigner.
const (
	SignatureMLDSA65 = "ml-dsa-65"
	SignatureEd25519 = "ed25519"
)

// ErrUnsupportedAlgorithm is returned for algorithm names this package does not know.
var ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

// Signer signs messages with a private key it owns.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
	Algorithm() string
	KeyID() string
}

// Verifier checks signatures against a public key. Verify must be deterministic.
type Verifier interface {
	Verify(pub, msg, sig []byte) bool
}

// NewVerifier returns the Verifier for the named signature algorithm.
func NewVerifier(alg string) (Verifier, error) {
	switch alg {
	case "", SignatureMLDSA65:
		return mldsaVerifier{scheme: mldsa65.Scheme()}, nil
	case SignatureEd25519:
		return ed25519Verifier{}, nil
	default:
		return nil, fmt.Errorf("%w: signature %q", ErrUnsupportedAlgorithm, alg)
	}
}

// NewSigner derives a signing key for alg from seed. seed must be at least 32 bytes.
func NewSigner(alg string, seed []byte) (Signer, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("signer seed must be at least 32 bytes, got %d", len(seed))
	}
	switch alg {
	case "", SignatureMLDSA65:
		scheme := mldsa65.Scheme()
		pub, priv := scheme.DeriveKey(seed[:scheme.SeedSize()])
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal ml-dsa public key: %w", err)
		}
		return &mldsaSigner{scheme: scheme, priv: priv, pub: pubBytes}, nil
	case SignatureEd25519:
		priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
		return &ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	default:
		return nil, fmt.Errorf("%w: signature %q", ErrUnsupportedAlgorithm, alg)
	}
}

// KeyIDFor returns a short, stable fingerprint of a public key.
func KeyIDFor(pub []byte) string {
	return hex.EncodeToString(sha256Hasher{}.Hash(pub)[:8])
}

// ── ML-DSA-65 ────────────────────────────────────────────────────────────────

type mldsaSigner struct {
	scheme sign.Scheme
	priv   sign.PrivateKey
	pub    []byte
}

func (s *mldsaSigner) Sign(msg []byte) ([]byte, error) {
	return s.scheme.Sign(s.priv, msg, nil), nil
}

func (s *mldsaSigner) PublicKey() []byte { return append([]byte(nil), s.pub...) }
func (s *mldsaSigner) Algorithm() string { return SignatureMLDSA65 }
func (s *mldsaSigner) KeyID() string     { return KeyIDFor(s.pub) }

type mldsaVerifier struct {
	scheme sign.Scheme
}

func (v mldsaVerifier) Verify(pub, msg, sig []byte) bool {
	if len(sig) != v.scheme.SignatureSize() {
		return false
	}
	pk, err := v.scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return false
	}
	return v.scheme.Verify(pk, msg, sig, nil)
}

// ── Ed25519 ──────────────────────────────────────────────────────────────────

type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func (s *ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

func (s *ed25519Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }
func (s *ed25519Signer) Algorithm() string { return SignatureEd25519 }
func (s *ed25519Signer) KeyID() string     { return KeyIDFor(s.pub) }

type ed25519Verifier struct{}

func (ed25519Verifier) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
