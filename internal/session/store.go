package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/codalotl/codalotl/internal/simplelogger"
)

// Store is the sqlite-backed project/session/turn DAG store, grounded on
// agnt-db's Database+Store split and structurally shaped after sidekick's
// srv/sqlite.Client (mkdir+open+ping+migrate). One Store wraps one
// *sql.DB; callers share it across goroutines, relying on sqlite's own
// locking plus WAL mode for concurrent readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, applying
// any pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create database directory: %w", err)
		}
	}
	return openDB(path)
}

// OpenInMemory opens a private in-memory sqlite database, for tests.
func OpenInMemory() (*Store, error) {
	return openDB(":memory:")
}

func openDB(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite database: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: ping sqlite database: %w", err)
	}
	pragmas := "PRAGMA foreign_keys = ON; PRAGMA synchronous = NORMAL;"
	if dsn != ":memory:" {
		pragmas = "PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;"
	}
	if _, err := db.ExecContext(ctx, pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: configure connection: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session: apply migrations: %w", err)
	}

	simplelogger.Log("session: database ready (dsn=%s)", dsn)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
