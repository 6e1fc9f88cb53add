package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kestrelsearch/kestrel/internal/chunk"
	kerrors "github.com/kestrelsearch/kestrel/internal/errors"
)

const chunkSchemaVersion = 1

// ChunkStore persists chunk rows in SQLite. Row order is the build
// order, which the keyword and vector indexes address positionally.
type ChunkStore struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// OpenChunkStore opens (or creates) the chunk database at path and
// applies the schema. An empty path opens an in-memory database.
func OpenChunkStore(path string) (*ChunkStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk database: %w", err)
	}

	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids table-lock contention between writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	store := &ChunkStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *ChunkStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err = s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, chunkSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != chunkSchemaVersion:
		return kerrors.CorruptIndex(
			fmt.Sprintf("chunk store schema version %d, want %d", version, chunkSchemaVersion), nil)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			position   INTEGER PRIMARY KEY,
			chunk_id   TEXT NOT NULL,
			content    TEXT NOT NULL,
			source     TEXT NOT NULL,
			title      TEXT NOT NULL,
			ordinal    INTEGER NOT NULL,
			preview    TEXT NOT NULL,
			char_count INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}
	return nil
}

// SaveChunks replaces all stored chunks with the given set, preserving
// slice order as row position.
func (s *ChunkStore) SaveChunks(ctx context.Context, chunks []*chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("chunk store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (position, chunk_id, content, source, title, ordinal, preview, char_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for position, c := range chunks {
		_, err := stmt.ExecContext(ctx, position, c.ID, c.Content, c.Source,
			c.Title, c.Ordinal, c.Preview, c.CharCount,
			c.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk save: %w", err)
	}
	return nil
}

// LoadChunks returns all chunks in position order.
func (s *ChunkStore) LoadChunks(ctx context.Context) ([]*chunk.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("chunk store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, content, source, title, ordinal, preview, char_count, created_at
		FROM chunks ORDER BY position`)
	if err != nil {
		return nil, kerrors.CorruptIndex("cannot read chunk rows", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*chunk.Chunk
	for rows.Next() {
		c := &chunk.Chunk{}
		var createdAt string
		err := rows.Scan(&c.ID, &c.Content, &c.Source, &c.Title,
			&c.Ordinal, &c.Preview, &c.CharCount, &createdAt)
		if err != nil {
			return nil, kerrors.CorruptIndex("cannot scan chunk row", err)
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, kerrors.CorruptIndex("invalid chunk timestamp", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.CorruptIndex("chunk row iteration failed", err)
	}
	return chunks, nil
}

// Count returns the number of stored chunks.
func (s *ChunkStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("chunk store is closed")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
