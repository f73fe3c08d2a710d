// Package store owns the physical schema for the filter catalog: an
// embedded SQLite database brought up to date by ordered, idempotent
// migrations before any catalog operation runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
)

// Store is a handle to the filter database. It is safe for concurrent use;
// writes are serialized by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and applies
// all pending migrations. A migration failure closes the handle and returns
// the error: the store must not be used in a partially-migrated state.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(30000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errhandling.NewStoreError(fmt.Sprintf("opening database %s", path), err)
	}

	s := &Store{db: db, path: path}

	if err := s.Migrate(DefaultMigrations()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying connection pool for read queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on every other exit path.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errhandling.NewStoreError("beginning transaction", err)
	}

	defer func() {
		// No-op after a successful Commit.
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errhandling.NewStoreError("committing transaction", err)
	}
	return nil
}

// Health describes store operability. It is informational: an unhealthy
// result carries the underlying error message rather than failing the call.
type Health struct {
	Status            string            `json:"status"`
	DatabasePath      string            `json:"database_path"`
	DatabaseSizeBytes int64             `json:"database_size_bytes"`
	TotalFilters      int               `json:"total_filters"`
	ChainFilters      int               `json:"chain_filters"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Error             string            `json:"error,omitempty"`
	CheckedAt         time.Time         `json:"checked_at"`
}

// Health returns active filter counts, database size, and stored metadata.
func (s *Store) Health(ctx context.Context) Health {
	h := Health{
		Status:       "healthy",
		DatabasePath: s.path,
		CheckedAt:    time.Now().UTC(),
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM filters WHERE is_active = 1").Scan(&h.TotalFilters); err != nil {
		return unhealthy(h, err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM filters WHERE filter_type = 'chain' AND is_active = 1").Scan(&h.ChainFilters); err != nil {
		return unhealthy(h, err)
	}

	if info, err := os.Stat(s.path); err == nil {
		h.DatabaseSizeBytes = info.Size()
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM metadata")
	if err != nil {
		return unhealthy(h, err)
	}
	defer rows.Close()

	h.Metadata = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return unhealthy(h, err)
		}
		h.Metadata[k] = v
	}
	if err := rows.Err(); err != nil {
		return unhealthy(h, err)
	}

	logger.Debug("store health check",
		slog.String("database_path", s.path),
		slog.Int("total_filters", h.TotalFilters),
		slog.Int("chain_filters", h.ChainFilters),
	)

	return h
}

func unhealthy(h Health, err error) Health {
	h.Status = "unhealthy"
	h.Error = err.Error()
	return h
}
