// Package store is the daemon's durable, transactional home for all state:
// registered roots, exclude patterns, server configurations, the file
// table, the three work queues, and the activity event log (spec.md §3,
// §4.1). It is backed by a single SQLite database file plus its WAL,
// following the schema-version-table pattern perkeep.org's
// pkg/sorted/sqlite uses for its embedded KV store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const requiredSchemaVersion = 1

// Store is the single-writer, concurrent-reader handle every daemon
// component shares. Scanner, Fingerprinter, and Uploader never share
// in-memory mutable state with each other; they communicate only through
// Store transactions (spec.md §3 "Ownership").
type Store struct {
	db   *sql.DB
	path string

	onAppend func() // notified after every successful Append; see SetAppendHook
}

// SetAppendHook registers fn to run after every successful Append, used by
// the daemon to wake the in-process activity Broker without the store
// package depending on it.
func (s *Store) SetAppendHook(fn func()) {
	s.onAppend = fn
}

// Open opens (creating and migrating if necessary) the store file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite only really supports one writer; a single *sql.DB connection
	// keeps every write serialized through the driver instead of racing
	// multiple pooled connections against the same file.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: corrupt or unmigratable database, refusing to start: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy runs a cheap integrity probe used by the /health endpoint
// (spec.md §4.1 "Failure modes": corrupt store must be reported, not
// hidden).
func (s *Store) Healthy(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("store unhealthy: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store unhealthy: quick_check=%s", result)
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version == 0 {
		if err := s.createSchema(); err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES('version', ?)`, fmt.Sprint(requiredSchemaVersion)); err != nil {
			return err
		}
		return nil
	}
	if version != requiredSchemaVersion {
		return fmt.Errorf("schema version is %d, expected %d (no migration path)", version, requiredSchemaVersion)
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key='version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE roots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			recursive INTEGER NOT NULL DEFAULT 1,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE excludes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE servers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			username TEXT NOT NULL,
			secret TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			token TEXT NOT NULL DEFAULT '',
			token_expiry TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			root_id INTEGER NOT NULL,
			size INTEGER NOT NULL,
			mtime_ns INTEGER NOT NULL,
			mode INTEGER NOT NULL,
			uid INTEGER NOT NULL,
			gid INTEGER NOT NULL,
			is_symlink INTEGER NOT NULL DEFAULT 0,
			link_target TEXT NOT NULL DEFAULT '',
			sha256 TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			discovered_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX files_root_id_idx ON files(root_id)`,
		`CREATE INDEX files_status_idx ON files(status)`,
		`CREATE TABLE queue_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			file_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_visible_at TEXT NOT NULL,
			claim_token TEXT NOT NULL DEFAULT '',
			done INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX queue_claim_idx ON queue_entries(kind, done, next_visible_at, id)`,
		`CREATE TABLE activity_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			root_id INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %s: %w", stmt, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Every queue operation must be atomic with the
// file-row update that triggered it (spec.md §4.1 "Invariants").
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func iso(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
