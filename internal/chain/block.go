package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmerrifield20/trustchain/internal/chaincrypto"
)

// GenesisTimestamp is the fixed creation time of every genesis block, so that
// two nodes configured with the same hash function agree on block 0.
const GenesisTimestamp int64 = 1704067200000

// GenesisPreviousHash is the previousHash sentinel of block 0.
const GenesisPreviousHash = "0"

// ExternalTimestamp is a third-party attestation of a block hash.
type ExternalTimestamp struct {
	Authority string `json:"authority,omitempty"`
	Token     string `json:"token,omitempty"`
	Verified  bool   `json:"verified"`
	CreatedAt int64  `json:"createdAt"`
}

// Block is a mined batch of events.
type Block struct {
	Index             int                `json:"index"`
	OccurredAt        int64              `json:"occurredAt"`
	Events            []Event            `json:"events"`
	PreviousHash      string             `json:"previousHash"`
	Hash              string             `json:"hash"`
	Nonce             int64              `json:"nonce"`
	Difficulty        int                `json:"difficulty"`
	MerkleRoot        string             `json:"merkleRoot"`
	Signature         []byte             `json:"signature,omitempty"`
	SignerKeyID       string             `json:"signerKeyId,omitempty"`
	ExternalTimestamp *ExternalTimestamp `json:"externalTimestamp,omitempty"`
}

// Clone returns a deep copy of the block's mutable fields.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Events = append([]Event(nil), b.Events...)
	c.Signature = append([]byte(nil), b.Signature...)
	if b.ExternalTimestamp != nil {
		ts := *b.ExternalTimestamp
		c.ExternalTimestamp = &ts
	}
	return &c
}

// eventsJSON is the canonical encoding of the event list used in the hash
// preimage: a JSON array of canonical events.
func eventsJSON(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		c, err := e.Canonical()
		if err != nil {
			return nil, err
		}
		buf.Write(c)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// preimage splits the hash input around the nonce so mining only re-encodes
// the nonce on each attempt.
type preimage struct {
	head []byte
	tail []byte
	buf  []byte
}

func newPreimage(index int, occurredAt int64, events []byte, previousHash, merkleRoot string) *preimage {
	head := fmt.Appendf(nil, "%d|%d|%s|%s|", index, occurredAt, events, previousHash)
	tail := []byte("|" + merkleRoot)
	return &preimage{head: head, tail: tail, buf: make([]byte, 0, len(head)+len(tail)+20)}
}

func (p *preimage) with(nonce int64) []byte {
	p.buf = append(p.buf[:0], p.head...)
	p.buf = strconv.AppendInt(p.buf, nonce, 10)
	p.buf = append(p.buf, p.tail...)
	return p.buf
}

// MeetsDifficulty reports whether a hex hash starts with difficulty zeros.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// MaxDifficulty is the largest difficulty a hasher can satisfy.
func MaxDifficulty(h chaincrypto.Hasher) int {
	return len(h.Hash(nil)) * 2
}

// Mine searches for the smallest nonce whose block hash meets difficulty. It
// checks ctx between attempts and returns ctx.Err() on cancellation.
func Mine(ctx context.Context, h chaincrypto.Hasher, index int, occurredAt int64, events []Event, previousHash string, difficulty int) (*Block, error) {
	if difficulty < 0 || difficulty > MaxDifficulty(h) {
		return nil, Structural("difficulty", fmt.Sprintf("must be within [0, %d]", MaxDifficulty(h)))
	}
	for i, e := range events {
		if err := ValidateEvent(e); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	root, err := MerkleRoot(h, events)
	if err != nil {
		return nil, err
	}
	ev, err := eventsJSON(events)
	if err != nil {
		return nil, err
	}
	pre := newPreimage(index, occurredAt, ev, previousHash, root)

	for nonce := int64(0); ; nonce++ {
		if nonce&0x3ff == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sum := hex.EncodeToString(h.Hash(pre.with(nonce)))
		if MeetsDifficulty(sum, difficulty) {
			return &Block{
				Index:        index,
				OccurredAt:   occurredAt,
				Events:       append([]Event(nil), events...),
				PreviousHash: previousHash,
				Hash:         sum,
				Nonce:        nonce,
				Difficulty:   difficulty,
				MerkleRoot:   root,
			}, nil
		}
	}
}

// ComputeHash recomputes the block hash from its fields.
func (b *Block) ComputeHash(h chaincrypto.Hasher) (string, error) {
	ev, err := eventsJSON(b.Events)
	if err != nil {
		return "", err
	}
	pre := newPreimage(b.Index, b.OccurredAt, ev, b.PreviousHash, b.MerkleRoot)
	return hex.EncodeToString(h.Hash(pre.with(b.Nonce))), nil
}

// VerifyContents checks the block in isolation: stored hash, Merkle root and
// proof of work. The returned error describes the first failure.
func (b *Block) VerifyContents(h chaincrypto.Hasher) error {
	if b.Difficulty < 0 || b.Difficulty > MaxDifficulty(h) {
		return fmt.Errorf("difficulty %d out of range", b.Difficulty)
	}
	sum, err := b.ComputeHash(h)
	if err != nil {
		return fmt.Errorf("events not encodable: %w", err)
	}
	if sum != b.Hash {
		return fmt.Errorf("hash mismatch")
	}
	root, err := MerkleRoot(h, b.Events)
	if err != nil {
		return fmt.Errorf("events not encodable: %w", err)
	}
	if root != b.MerkleRoot {
		return fmt.Errorf("merkle root mismatch")
	}
	if !MeetsDifficulty(b.Hash, b.Difficulty) {
		return fmt.Errorf("hash does not meet difficulty %d", b.Difficulty)
	}
	return nil
}

// VerifyLink checks that b directly extends prev.
func VerifyLink(prev, b *Block) error {
	if b.Index != prev.Index+1 {
		return fmt.Errorf("index %d does not follow %d", b.Index, prev.Index)
	}
	if b.PreviousHash != prev.Hash {
		return fmt.Errorf("previous hash mismatch")
	}
	return nil
}

// Sign attaches a signature over the block hash.
func (b *Block) Sign(s chaincrypto.Signer) error {
	sig, err := s.Sign([]byte(b.Hash))
	if err != nil {
		return fmt.Errorf("sign block %d: %w", b.Index, err)
	}
	b.Signature = sig
	b.SignerKeyID = s.KeyID()
	return nil
}

// VerifySignature reports whether the block carries a signature from any of
// the trusted public keys.
func (b *Block) VerifySignature(v chaincrypto.Verifier, trusted [][]byte) bool {
	if len(b.Signature) == 0 || v == nil {
		return false
	}
	for _, pub := range trusted {
		if v.Verify(pub, []byte(b.Hash), b.Signature) {
			return true
		}
	}
	return false
}

// GenesisBlock returns the deterministic block 0 for a hasher.
func GenesisBlock(h chaincrypto.Hasher) *Block {
	events := []Event{{
		Type:       KindGenesis,
		Payload:    &ChainInit{Message: "trustchain genesis"},
		OccurredAt: GenesisTimestamp,
	}}
	b, err := Mine(context.Background(), h, 0, GenesisTimestamp, events, GenesisPreviousHash, 0)
	if err != nil {
		// Difficulty 0 with a fixed valid event cannot fail.
		panic(fmt.Sprintf("chain: genesis: %v", err))
	}
	return b
}
