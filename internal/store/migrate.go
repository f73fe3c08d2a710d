package store

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// DefaultMigrations returns the migration scripts bundled with the binary,
// rooted so that the .sql files sit at the top level.
func DefaultMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(fmt.Sprintf("embedded migrations missing: %v", err))
	}
	return sub
}

// Migrate applies every .sql file in fsys that has not been recorded in the
// migrations table, in lexical filename order, each inside its own
// transaction. Already-applied migrations are never re-run, which makes
// startup idempotent. The first failing migration rolls back and aborts.
func (s *Store) Migrate(fsys fs.FS) error {
	if err := s.ensureMigrationsTable(); err != nil {
		return err
	}

	executed, err := s.executedMigrations()
	if err != nil {
		return err
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return errhandling.NewStoreError("listing migration files", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := s.applyMigration(fsys, name); err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		logger.Info("migrations applied",
			slog.String("database_path", s.path),
			slog.Int("count", applied),
		)
	} else {
		logger.Debug("database schema is up to date",
			slog.String("database_path", s.path),
		)
	}

	return nil
}

// ensureMigrationsTable creates the migrations tracking table if absent.
func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL UNIQUE,
			executed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return errhandling.NewStoreError("creating migrations table", err)
	}
	return nil
}

// executedMigrations returns the set of already-applied migration filenames.
func (s *Store) executedMigrations() (map[string]bool, error) {
	rows, err := s.db.Query("SELECT filename FROM migrations")
	if err != nil {
		return nil, errhandling.NewStoreError("reading executed migrations", err)
	}
	defer rows.Close()

	executed := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errhandling.NewStoreError("scanning migration row", err)
		}
		executed[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errhandling.NewStoreError("iterating migration rows", err)
	}
	return executed, nil
}

// applyMigration executes one migration script and records it, atomically.
func (s *Store) applyMigration(fsys fs.FS, name string) error {
	script, err := fs.ReadFile(fsys, name)
	if err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("reading migration %s", name), err)
	}

	logger.Debug("executing migration", slog.String("filename", name))

	tx, err := s.db.Begin()
	if err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("beginning migration %s", name), err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(string(script)); err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("executing migration %s", name), err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (filename) VALUES (?)", name); err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("recording migration %s", name), err)
	}

	if err := tx.Commit(); err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("committing migration %s", name), err)
	}

	logger.Info("migration executed", slog.String("filename", name))
	return nil
}
