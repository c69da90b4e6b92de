// Package store provides the persistent key-value partitions backing the
// sync engine: records (indexed by id and table), table metadata, per-table
// sync cursors, and crypto material. All partitions live in a single SQLite
// database opened in WAL mode with a sole writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNotFound is returned when a requested row does not exist in a partition.
var ErrNotFound = errors.New("store: not found")

// walJournalSizeLimit bounds WAL growth between checkpoints (64 MiB).
const walJournalSizeLimit = 67108864

// Store wraps the shared SQLite database. It is safe for concurrent use;
// SQLite's transaction isolation is the only coordination between the
// acquisition runner and the realtime pipeline.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path, applies pragmas and all
// pending schema migrations, and returns a ready Store. Use ":memory:" for
// tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening local store", slog.String("path", path))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// Sole-writer: a single connection avoids SQLITE_BUSY between the
	// acquisition runner and the realtime pipeline.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the shared connection for components that manage their own
// statements (tests, status reporting).
func (s *Store) DB() *sql.DB {
	return s.db
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	return nil
}
