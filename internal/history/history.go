// Package history persists a record of worker sessions and resolved jobs to
// SQLite. The ledger itself lives in memory for one worker lifetime; history
// is what survives across runs for inspection with "cmakerun jobs".
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mattjoyce/cmakerun/internal/ledger"
)

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

// Session describes one worker lifetime.
type Session struct {
	ID           string
	StartedAt    time.Time
	WorkerArgs   string
	ConfigDigest string
}

// JobRecord is one resolved ledger entry as stored.
type JobRecord struct {
	SessionID  string
	Kind       string
	Seq        int
	Args       string
	Code       int
	ResolvedAt time.Time
}

// Open opens (and creates if needed) the history database at path and ensures
// required tables exist.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
  id            TEXT PRIMARY KEY,
  started_at    TEXT NOT NULL,
  stopped_at    TEXT,
  worker_args   TEXT NOT NULL,
  config_digest TEXT
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  session_id  TEXT NOT NULL REFERENCES sessions(id),
  kind        TEXT NOT NULL,
  seq         INTEGER NOT NULL,
  args        TEXT NOT NULL,
  code        INTEGER NOT NULL,
  resolved_at TEXT NOT NULL,
  PRIMARY KEY (session_id, kind, seq)
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_resolved_at ON jobs(resolved_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history db: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginSession records the start of a worker lifetime.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, started_at, worker_args, config_digest)
VALUES(?, ?, ?, ?);
`, sess.ID, sess.StartedAt.UTC().Format(time.RFC3339Nano), sess.WorkerArgs, sess.ConfigDigest)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession stamps the session's stop time.
func (s *Store) EndSession(ctx context.Context, id string, stoppedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE sessions SET stopped_at = ? WHERE id = ?;
`, stoppedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordJob stores one resolved ledger entry.
func (s *Store) RecordJob(ctx context.Context, sessionID string, j ledger.Job, resolvedAt time.Time) error {
	if j.Code == nil {
		return fmt.Errorf("job %s/%d is not resolved", j.Kind, j.Seq)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(session_id, kind, seq, args, code, resolved_at)
VALUES(?, ?, ?, ?, ?, ?);
`, sessionID, string(j.Kind), j.Seq, j.Args, *j.Code, resolvedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// RecentJobs returns up to limit resolved jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, kind, seq, args, code, resolved_at
FROM jobs
ORDER BY resolved_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec         JobRecord
			resolvedAtS string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Kind, &rec.Seq, &rec.Args, &rec.Code, &resolvedAtS); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, resolvedAtS); err == nil {
			rec.ResolvedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

// SessionJobs returns the resolved jobs of one session in resolution order.
func (s *Store) SessionJobs(ctx context.Context, sessionID string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, kind, seq, args, code, resolved_at
FROM jobs
WHERE session_id = ?
ORDER BY rowid ASC;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec         JobRecord
			resolvedAtS string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Kind, &rec.Seq, &rec.Args, &rec.Code, &resolvedAtS); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, resolvedAtS); err == nil {
			rec.ResolvedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}
