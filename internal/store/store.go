// Package store is the durable SQLite persistence layer for sessions, messages,
// tool calls, checkpoints and audit events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/paths"
)

// ErrPersistence matches every *PersistenceError via errors.Is.
var ErrPersistence = errors.New("persistence failure")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed storage operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPersistence) match any PersistenceError.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Config holds store configuration
type Config struct {
	Path        string // Database file path
	BusyTimeout int    // Milliseconds, 0 = 5000
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every typed read/write. Store runs them against the
// connection pool, Tx against an open transaction.
type Queries struct {
	q querier
}

// Store is the SQLite-backed store.
type Store struct {
	Queries
	db   *sql.DB
	path string
}

// Tx is a single open transaction.
type Tx struct {
	Queries
}

// Open opens (creating if needed) the database and applies migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, wrap("open", errors.New("empty database path"))
	}
	if err := paths.EnsureParentDir(cfg.Path); err != nil {
		return nil, wrap("open", err)
	}

	timeout := cfg.BusyTimeout
	if timeout == 0 {
		timeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate", cfg.Path, timeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("store: failed to enable WAL mode", "error", err)
	}

	s := &Store{Queries: Queries{q: db}, db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}

	L_info("store: opened", "path", cfg.Path)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	L_debug("store: closing", "path", s.path)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// WithTx runs fn inside a single transaction. The transaction is rolled back
// if fn returns an error, otherwise committed.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}

	if err := fn(&Tx{Queries: Queries{q: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			L_warn("store: rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
