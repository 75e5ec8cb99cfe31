package chain

import (
	"encoding/hex"

	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

// MerkleRoot builds a binary Merkle tree over the event digests. Odd levels
// duplicate their last node; a single leaf is its own root and an empty event
// list hashes the empty string.
func MerkleRoot(h chaincrypto.Hasher, events []Event) (string, error) {
	leaves := make([][]byte, 0, len(events))
	for _, e := range events {
		d, err := e.Digest(h)
		if err != nil {
			return "", err
		}
		leaves = append(leaves, d)
	}
	return hex.EncodeToString(merkleFromLeaves(h, leaves)), nil
}

func merkleFromLeaves(h chaincrypto.Hasher, level [][]byte) []byte {
	if len(level) == 0 {
		return h.Hash(nil)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := make([]byte, 0, len(level[i])+len(level[i+1]))
			pair = append(pair, level[i]...)
			pair = append(pair, level[i+1]...)
			next = append(next, h.Hash(pair))
		}
		level = next
	}
	return level[0]
}
