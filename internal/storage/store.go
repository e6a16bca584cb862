package storage

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	source_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	error_json TEXT,
	language TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER,
	audio_path TEXT NOT NULL DEFAULT '',
	transcript_text TEXT NOT NULL DEFAULT '',
	segments_json TEXT,
	lease_owner TEXT,
	lease_expires_at INTEGER,
	next_attempt_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_source
	ON tasks(user_id, source_ref) WHERE status NOT IN ('completed', 'failed');
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS stage_attempts (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, stage)
);

CREATE TABLE IF NOT EXISTS results (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	transcript_text TEXT NOT NULL,
	subtitle_json TEXT,
	summary_text TEXT NOT NULL,
	outline_text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store persists tasks and results in SQLite. Every failure it returns,
// other than the not-found sentinels, is a *types.StoreError.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &types.StoreError{Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &types.StoreError{Op: "open", Err: err}
	}
	// One connection serialises writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, &types.StoreError{Op: "pragma", Err: err}
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &types.StoreError{Op: "migrate", Err: err}
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, retrying when SQLite reports contention
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	return storeErr(op, err)
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func statusArgs(statuses []types.Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *types.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &types.StoreError{Op: op, Err: err}
}
