// Package jobdb records every attempt of every node executed by the runner.
package jobdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database kept in the project state directory.
const FileName = "jobs.db"

// Job statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusNoOp      = "no-op"
	StatusFailed    = "failed"
)

// ErrNoRuns is returned by LatestRun on an empty database.
var ErrNoRuns = errors.New("jobdb: no runs recorded")

// Record is one attempt of one node.
type Record struct {
	ID         int64
	RunID      string
	Node       string
	Attempt    int
	Backend    string
	ExternalID string
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time of a finished attempt.
func (r Record) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// DB wraps the job database.
type DB struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	node TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	backend TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_node ON jobs(run_id, node);
`

// Open creates or opens the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jobdb: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("jobdb: open %s: %w", path, err)
	}
	// One connection serializes writes from worker goroutines.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobdb: initialize schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Start inserts a running record and returns its id.
func (d *DB) Start(ctx context.Context, rec Record) (int64, error) {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO jobs (run_id, node, attempt, backend, external_id, status, message, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Node, rec.Attempt, rec.Backend, rec.ExternalID, rec.Status, rec.Message, formatTime(rec.StartedAt))
	if err != nil {
		return 0, fmt.Errorf("jobdb: insert %s attempt %d: %w", rec.Node, rec.Attempt, err)
	}
	return res.LastInsertId()
}

// Finish stores the outcome of the record with id.
func (d *DB) Finish(ctx context.Context, id int64, status, message, externalID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, finished_at = ?,
			external_id = CASE WHEN ? = '' THEN external_id ELSE ? END
		WHERE id = ?`,
		status, message, formatTime(at), externalID, externalID, id)
	if err != nil {
		return fmt.Errorf("jobdb: update job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("jobdb: job %d not found", id)
	}
	return nil
}

// List returns the records of runID in insertion order.
func (d *DB) List(ctx context.Context, runID string) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, run_id, node, attempt, backend, external_id, status, message, started_at, finished_at
		FROM jobs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("jobdb: list %s: %w", runID, err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec               Record
			started, finished string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Node, &rec.Attempt, &rec.Backend,
			&rec.ExternalID, &rec.Status, &rec.Message, &started, &finished); err != nil {
			return nil, fmt.Errorf("jobdb: scan: %w", err)
		}
		rec.StartedAt = parseTime(started)
		rec.FinishedAt = parseTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRun returns the run id of the most recent record.
func (d *DB) LatestRun(ctx context.Context) (string, error) {
	var runID string
	err := d.db.QueryRowContext(ctx, `SELECT run_id FROM jobs ORDER BY id DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	if err != nil {
		return "", fmt.Errorf("jobdb: latest run: %w", err)
	}
	return runID, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
