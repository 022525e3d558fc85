// Package store is the storage gateway: durable persistence for endpoints,
// users, groups, memberships, and request logs over SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/scim"
)

// Deterministic gateway errors. Callers map these onto protocol errors;
// retries are their responsibility.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrTxTimeout = errors.New("store: transaction timeout")
)

// Write-transaction bounds for the single-writer backend. A writer that
// cannot acquire the lock within maxWriteWait gives up with ErrTxTimeout.
const (
	maxWriteWait = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// Store wraps the database with a single-writer discipline: every write
// path acquires the write slot first so SQLite never sees competing
// writers. PostgreSQL does not need the slot but keeping the discipline
// uniform keeps lock-hold windows honest on both backends.
type Store struct {
	db       *sqlx.DB
	writeSem chan struct{}
	postgres bool
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	s := &Store{
		writeSem: make(chan struct{}, 1),
		postgres: cfg.IsPostgres(),
	}

	var err error
	if s.postgres {
		s.db, err = sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	} else {
		s.db, err = sqlx.ConnectContext(ctx, "sqlite", cfg.URL)
		if err == nil {
			// One connection keeps the WAL writer single and makes the
			// busy handler irrelevant.
			s.db.SetMaxOpenConns(1)
			_, err = s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsPostgres reports the active backend.
func (s *Store) IsPostgres() bool {
	return s.postgres
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// acquireWrite claims the write slot, waiting at most maxWriteWait.
// The returned release func must be called exactly once.
func (s *Store) acquireWrite(ctx context.Context) (func(), error) {
	timer := time.NewTimer(maxWriteWait)
	defer timer.Stop()
	select {
	case s.writeSem <- struct{}{}:
		return func() { <-s.writeSem }, nil
	case <-timer.C:
		return nil, ErrTxTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withWriteTx runs fn inside a bounded write transaction. The transaction
// context carries the write timeout; on expiry the transaction rolls back
// and ErrTxTimeout surfaces so partial state is never visible.
func (s *Store) withWriteTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()

	txCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(txCtx, nil)
	if err != nil {
		return translateErr(err, txCtx)
	}
	if err := fn(txCtx, tx); err != nil {
		tx.Rollback()
		return translateErr(err, txCtx)
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err, txCtx)
	}
	return nil
}

// translateErr maps driver errors onto the gateway sentinels.
func translateErr(err error, ctx context.Context) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && ctx.Err() != nil:
		return ErrTxTimeout
	case isUniqueViolation(err):
		return ErrConflict
	default:
		return err
	}
}

// isUniqueViolation recognizes unique-constraint failures from both drivers
// without importing their error types.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key")
}

// rebind adapts ?-style placeholders to the active backend.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// now returns the current instant in the canonical timestamp encoding:
// UTC ISO-8601 with millisecond precision. Stored as text, so lexical
// ordering equals chronological ordering.
func now() string {
	return scim.FormatTime(time.Now())
}

// parseTime decodes a stored timestamp.
func parseTime(s string) time.Time {
	t, err := time.Parse(scim.TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
