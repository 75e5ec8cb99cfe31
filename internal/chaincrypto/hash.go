package chaincrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash algorithm names accepted by NewHasher.
const (
	HashSHA256  = "sha256"
	HashSHA3256 = "sha3-256"
)

// Hasher computes content digests. Implementations must be deterministic.
type Hasher interface {
	Hash(data []byte) []byte
	Name() string
}

type sha256Hasher struct{}

func (sha256Hasher) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (sha256Hasher) Name() string { return HashSHA256 }

type sha3Hasher struct{}

func (sha3Hasher) Hash(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

func (sha3Hasher) Name() string { return HashSHA3256 }

// NewHasher returns the Hasher registered under name. An empty name selects sha256.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", HashSHA256:
		return sha256Hasher{}, nil
	case HashSHA3256:
		return sha3Hasher{}, nil
	default:
		return nil, fmt.Errorf("%w: hash %q", ErrUnsupportedAlgorithm, name)
	}
}

// HashHex returns the hex-encoded digest of data under h.
func HashHex(h Hasher, data []byte) string {
	return hex.EncodeToString(h.Hash(data))
}
