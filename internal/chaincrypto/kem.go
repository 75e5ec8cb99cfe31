package chaincrypto

import (
	"crypto/mlkem"
	"fmt"
)

// KEMMLKEM768 is the only key-encapsulation mechanism currently supported.
const KEMMLKEM768 = "ml-kem-768"

// KEM performs key encapsulation against a peer's public key and decapsulation
// with the node's own secret key.
type KEM interface {
	Encapsulate(pub []byte) (shared, ciphertext []byte, err error)
	Decapsulate(ciphertext []byte) ([]byte, error)
	EncapsulationKey() []byte
}

type mlkemKEM struct {
	dk *mlkem.DecapsulationKey768
}

// NewKEM derives an ML-KEM-768 key pair from seed (at least mlkem.SeedSize bytes).
func NewKEM(seed []byte) (KEM, error) {
	if len(seed) < mlkem.SeedSize {
		return nil, fmt.Errorf("kem seed must be at least %d bytes, got %d", mlkem.SeedSize, len(seed))
	}
	dk, err := mlkem.NewDecapsulationKey768(seed[:mlkem.SeedSize])
	if err != nil {
		return nil, fmt.Errorf("derive ml-kem-768 key: %w", err)
	}
	return &mlkemKEM{dk: dk}, nil
}

func (k *mlkemKEM) Encapsulate(pub []byte) ([]byte, []byte, error) {
	ek, err := mlkem.NewEncapsulationKey768(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("parse encapsulation key: %w", err)
	}
	shared, ct := ek.Encapsulate()
	return shared, ct, nil
}

func (k *mlkemKEM) Decapsulate(ciphertext []byte) ([]byte, error) {
	shared, err := k.dk.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulate: %w", err)
	}
	return shared, nil
}

func (k *mlkemKEM) EncapsulationKey() []byte {
	return k.dk.EncapsulationKey().Bytes()
}
