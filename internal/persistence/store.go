// Package persistence is the durable state store for the pipeline:
// per-story records with optimistic versioning, per-epic progress, and
// the quality/test phase ledgers, all in a single embedded SQLite file.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/storyflow/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "sf-v1-stories-epics-phases"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors. VersionConflict and InvalidStatus are returned, never
// panicked; schema problems are fatal to the process by policy.
var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidStatus     = errors.New("status not canonical")
	ErrInvalidTransition = errors.New("transition not allowed")
)

// Store wraps the SQLite database. A single write lock serializes all
// writes; reads go straight to the committed snapshot.
type Store struct {
	db      *sql.DB
	bus     *bus.Bus // may be nil in tests
	writeMu sync.Mutex
}

// DefaultDBPath returns the conventional database location.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".storyflow", "storyflow.db")
}

// Open opens (creating if needed) the store at path. Schema version and
// checksum are validated against the migrations ledger; a mismatch is a
// fatal initialization error.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ManagedOperation runs fn while holding the store write lock, releasing
// it on every exit path. The lock is acquired and released on the
// calling goroutine and must not be held across a role invocation.
func (s *Store) ManagedOperation(ctx context.Context, fn func(ctx context.Context) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLite BUSY (5) or LOCKED (6) by message to
// avoid importing the driver package on non-CGO paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS stories (
			story_path TEXT PRIMARY KEY,
			epic_path TEXT NOT NULL,
			status TEXT NOT NULL,
			prev_status TEXT,
			phase TEXT,
			iteration INTEGER NOT NULL DEFAULT 0,
			qa_result TEXT,
			error_message TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);`,
		`CREATE INDEX IF NOT EXISTS idx_stories_epic ON stories(epic_path);`,
		`CREATE TABLE IF NOT EXISTS epic_processing (
			epic_id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			total_stories INTEGER NOT NULL DEFAULT 0,
			completed_stories INTEGER NOT NULL DEFAULT 0,
			failed_stories INTEGER NOT NULL DEFAULT 0,
			quality_phase_status TEXT NOT NULL DEFAULT 'pending',
			test_phase_status TEXT NOT NULL DEFAULT 'pending',
			error_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS code_quality_phase (
			record_id TEXT PRIMARY KEY,
			epic_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			error_count INTEGER NOT NULL DEFAULT 0,
			fix_status TEXT NOT NULL DEFAULT 'pending',
			analyzer_errors TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quality_epic ON code_quality_phase(epic_id);`,
		`CREATE TABLE IF NOT EXISTS test_automation_phase (
			record_id TEXT PRIMARY KEY,
			epic_id TEXT NOT NULL,
			test_file_path TEXT NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0,
			fix_status TEXT NOT NULL DEFAULT 'pending',
			debug_info TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_test_epic ON test_automation_phase(epic_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
