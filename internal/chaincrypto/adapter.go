package chaincrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Adapter bundles every primitive the ledger core consumes.
type Adapter interface {
	Hasher
	Signer
	Verifier
	KEM
}

// Config selects algorithms and the master seed. A nil Seed generates fresh keys.
type Config struct {
	Hash      string
	Signature string
	Seed      []byte
}

// Suite is the default Adapter built from a Config.
type Suite struct {
	Hasher
	Signer
	Verifier
	KEM
}

var _ Adapter = (*Suite)(nil)

// NewSuite builds a Suite. Signing and KEM keys are derived from cfg.Seed with
// HKDF-SHA256 under distinct labels, so one seed pins the whole node identity.
func NewSuite(cfg Config) (*Suite, error) {
	hasher, err := NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	verifier, err := NewVerifier(cfg.Signature)
	if err != nil {
		return nil, err
	}

	master := cfg.Seed
	if len(master) == 0 {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master seed: %w", err)
		}
	}

	signSeed, err := deriveSeed(master, "trustchain/sign", 32)
	if err != nil {
		return nil, err
	}
	signer, err := NewSigner(cfg.Signature, signSeed)
	if err != nil {
		return nil, err
	}

	kemSeed, err := deriveSeed(master, "trustchain/kem", 64)
	if err != nil {
		return nil, err
	}
	kem, err := NewKEM(kemSeed)
	if err != nil {
		return nil, err
	}

	return &Suite{Hasher: hasher, Signer: signer, Verifier: verifier, KEM: kem}, nil
}

func deriveSeed(master []byte, label string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("derive %s seed: %w", label, err)
	}
	return out, nil
}
