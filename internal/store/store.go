// Package store persists mined blocks so a node can recover its chain after a
// restart. Consensus never reads through a store; the in-memory ledger stays
// authoritative and the store mirrors it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// ErrNotFound is returned when no block is stored at the requested index.
var ErrNotFound = errors.New("block not found")

// BlockStore is a durable mirror of the chain, keyed by block index.
type BlockStore interface {
	// PutBlock stores b, overwriting any block at the same index.
	PutBlock(ctx context.Context, b *chain.Block) error
	GetBlockByIndex(ctx context.Context, index int) (*chain.Block, error)
	// GetAllBlocks returns every stored block in index order.
	GetAllBlocks(ctx context.Context) ([]*chain.Block, error)
	// DeleteBlocksAfter removes every block with an index greater than index.
	DeleteBlocksAfter(ctx context.Context, index int) error
	// ReplaceAll swaps the stored chain for blocks in one transaction.
	ReplaceAll(ctx context.Context, blocks []*chain.Block) error
	Close() error
}

func encodeBlock(b *chain.Block) ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	return body, nil
}

func decodeBlock(body []byte) (*chain.Block, error) {
	var b chain.Block
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("unmarshal block: %w", err)
	}
	return &b, nil
}

// ── Memory ───────────────────────────────────────────────────────────────────

// MemoryStore is a BlockStore held in process memory. It is used in tests and
// for nodes that do not need restart recovery.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[int]*chain.Block
}

var _ BlockStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[int]*chain.Block)}
}

func (s *MemoryStore) PutBlock(_ context.Context, b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.Index] = b.Clone()
	return nil
}

func (s *MemoryStore) GetBlockByIndex(_ context.Context, index int) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[index]
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) GetAllBlocks(_ context.Context) ([]*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*chain.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) DeleteBlocksAfter(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocks {
		if i > index {
			delete(s.blocks, i)
		}
	}
	return nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, blocks []*chain.Block) error {
	next := make(map[int]*chain.Block, len(blocks))
	for _, b := range blocks {
		next[b.Index] = b.Clone()
	}
	s.mu.Lock()
	s.blocks = next
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// ── Recovery ─────────────────────────────────────────────────────────────────

// Restore loads the stored chain into l. An empty store is seeded with l's
// current chain. A stored chain that fails validation is left in the store
// untouched and its *chain.IntegrityError is returned wrapped; l keeps its
// fresh genesis.
func Restore(ctx context.Context, s BlockStore, l *chain.Ledger, logger *zap.Logger) error {
	blocks, err := s.GetAllBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load stored chain: %w", err)
	}
	if len(blocks) == 0 {
		return s.ReplaceAll(ctx, l.Blocks())
	}
	if err := l.Load(blocks); err != nil {
		logger.Error("stored chain is invalid",
			zap.Int("stored_blocks", len(blocks)),
			zap.Error(err),
		)
		return fmt.Errorf("restore stored chain: %w", err)
	}
	logger.Info("chain restored from store",
		zap.Int("length", len(blocks)),
		zap.String("tip", blocks[len(blocks)-1].Hash),
	)
	return nil
}

// ResetInvalid rewrites s with l's current chain. It is the explicit
// recovery step after Restore reported a stored chain as invalid.
func ResetInvalid(ctx context.Context, s BlockStore, l *chain.Ledger, logger *zap.Logger) error {
	logger.Warn("discarding invalid stored chain", zap.Int("length", l.Len()))
	return s.ReplaceAll(ctx, l.Blocks())
}
