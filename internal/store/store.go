// Package store owns the bridge's relational persistence: the outbox,
// HTTP idempotency records, projector checkpoints, the event DLQ and the
// projected read models. All invariants about command status transitions
// and checkpoint monotonicity live here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/coinpath/bridge/internal/config"
)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects a pool with the configured limits and verifies it with a
// ping. The submitter and projector each open their own Store so one side's
// burst cannot starve the other.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; tests use it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for schema verification tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Execer is the slice of database/sql that read-model mutators need.
// *sql.Tx and *sql.DB both satisfy it; tests substitute a recorder.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullTime maps sql.NullTime onto a pointer for model structs.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
