package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmerrifield20/trustchain/internal/chain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists blocks in a single-file SQLite database through
// database/sql.
type SQLiteStore struct {
	db *sql.DB
}

var _ BlockStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps db and creates the blocks table if it is missing.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS chain_blocks (
		idx           INTEGER PRIMARY KEY,
		hash          TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		body          BLOB NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("create chain_blocks: %w", err)
	}
	return nil
}

const sqlitePut = `INSERT INTO chain_blocks (idx, hash, previous_hash, body) VALUES (?, ?, ?, ?)
	ON CONFLICT(idx) DO UPDATE SET hash = excluded.hash, previous_hash = excluded.previous_hash, body = excluded.body`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putSQL(ctx context.Context, ex execer, b *chain.Block) error {
	body, err := encodeBlock(b)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, sqlitePut, b.Index, b.Hash, b.PreviousHash, body); err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

func (s *SQLiteStore) PutBlock(ctx context.Context, b *chain.Block) error {
	return putSQL(ctx, s.db, b)
}

func (s *SQLiteStore) GetBlockByIndex(ctx context.Context, index int) (*chain.Block, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM chain_blocks WHERE idx = ?", index).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", index, err)
	}
	return decodeBlock(body)
}

func (s *SQLiteStore) GetAllBlocks(ctx context.Context) ([]*chain.Block, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM chain_blocks ORDER BY idx ASC")
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) DeleteBlocksAfter(ctx context.Context, index int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chain_blocks WHERE idx > ?", index); err != nil {
		return fmt.Errorf("delete blocks after %d: %w", index, err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceAll(ctx context.Context, blocks []*chain.Block) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM chain_blocks"); err != nil {
		return fmt.Errorf("clear blocks: %w", err)
	}
	for _, b := range blocks {
		if err := putSQL(ctx, tx, b); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
