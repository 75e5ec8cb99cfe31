package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// advisoryLockKey serialises chain rewrites across every node sharing the
// database. The value is arbitrary but must be the same everywhere.
const advisoryLockKey = int64(1_284_337_019)

// PostgresStore persists blocks in PostgreSQL. The chain_blocks table is
// created by migrations/0001_chain_blocks.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ BlockStore = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const pgPut = `INSERT INTO chain_blocks (idx, hash, previous_hash, body)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (idx) DO UPDATE
	SET hash = EXCLUDED.hash, previous_hash = EXCLUDED.previous_hash, body = EXCLUDED.body, stored_at = now()`

func (s *PostgresStore) PutBlock(ctx context.Context, b *chain.Block) error {
	body, err := encodeBlock(b)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgPut, b.Index, b.Hash, b.PreviousHash, body); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	s.logger.Debug("block stored", zap.Int("index", b.Index), zap.String("hash", b.Hash))
	return nil
}

func (s *PostgresStore) GetBlockByIndex(ctx context.Context, index int) (*chain.Block, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM chain_blocks WHERE idx = $1", index).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return decodeBlock(body)
}

func (s *PostgresStore) GetAllBlocks(ctx context.Context) ([]*chain.Block, error) {
	rows, err := s.pool.Query(ctx, "SELECT body FROM chain_blocks ORDER BY idx ASC")
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var out []*chain.Block
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b, err := decodeBlock(body)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteBlocksAfter(ctx context.Context, index int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM chain_blocks WHERE idx > $1", index)
	if err != nil {
		return fmt.Errorf("delete blocks after %d: %w", index, err)
	}
	s.logger.Debug("blocks truncated", zap.Int("after", index), zap.Int64("deleted", tag.RowsAffected()))
	return nil
}

// ReplaceAll rewrites the stored chain inside one transaction holding a
// transaction-scoped advisory lock, so concurrent replacements from nodes
// sharing the database cannot interleave.
func (s *PostgresStore) ReplaceAll(ctx context.Context, blocks []*chain.Block) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM chain_blocks"); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, b := range blocks {
		body, err := encodeBlock(b)
		if err != nil {
			return err
		}
		batch.Queue(pgPut, b.Index, b.Hash, b.PreviousHash, body)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert blocks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	s.logger.Info("stored chain replaced", zap.Int("length", len(blocks)))
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
