// Package history persists run records: one row per orchestration run plus
// one row per container outcome, in a local sqlite database. CI jobs use it
// to correlate flaky-container patterns across runs.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/flotilladev/flotilla/common/redact"
	"github.com/flotilladev/flotilla/internal/flotilla/network"
)

// tailBudget bounds how much captured output is persisted per stream.
const tailBudget = 4096

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	network     TEXT NOT NULL,
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_containers (
	run_id      INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	success     INTEGER NOT NULL,
	exit_status TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	stdout_tail TEXT NOT NULL DEFAULT '',
	stderr_tail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_runs_network ON runs(network);
`

// Store wraps the database connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// SQLite is single-writer by design. A single shared connection lets
	// database/sql serialize callers instead of them fighting for write
	// locks across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one persisted orchestration run.
type Run struct {
	ID         int64
	Network    string
	State      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerRecord is one persisted container outcome.
type ContainerRecord struct {
	RunID      int64
	Name       string
	Success    bool
	ExitStatus string
	Error      string
	StdoutTail string
	StderrTail string
}

// RecordRun persists a finished run with its per-container outcomes in one
// transaction and returns the run id. Any secrets given are redacted from
// the persisted error texts and output tails.
func (s *Store) RecordRun(networkName string, state network.State, started, finished time.Time, outcome network.RunOutcome, runErr error, secrets ...string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	errText := ""
	if runErr != nil {
		errText = redact.String(truncate(runErr.Error(), tailBudget), secrets...)
	}
	res, err := tx.Exec(
		`INSERT INTO runs (network, state, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		networkName, state.String(), errText, started.UTC(), finished.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	for name, o := range outcome {
		rec := ContainerRecord{RunID: runID, Name: name, Success: o.Success()}
		if o.Err != nil {
			rec.Error = redact.String(truncate(o.Err.Error(), tailBudget), secrets...)
		}
		if o.Result != nil {
			rec.ExitStatus = o.Result.Status.String()
			rec.StdoutTail = redact.String(truncateTail(o.Result.Stdout, tailBudget), secrets...)
			rec.StderrTail = redact.String(truncateTail(o.Result.Stderr, tailBudget), secrets...)
		}
		_, err := tx.Exec(
			`INSERT INTO run_containers (run_id, name, success, exit_status, error, stdout_tail, stderr_tail)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Name, rec.Success, rec.ExitStatus, rec.Error, rec.StdoutTail, rec.StderrTail,
		)
		if err != nil {
			return 0, fmt.Errorf("insert container %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return runID, nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, network, state, error, started_at, finished_at FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Network, &r.State, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Containers returns the per-container records for one run, sorted by name.
func (s *Store) Containers(runID int64) ([]ContainerRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, name, success, exit_status, error, stdout_tail, stderr_tail
		 FROM run_containers WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer rows.Close()

	var out []ContainerRecord
	for rows.Next() {
		var rec ContainerRecord
		if err := rows.Scan(&rec.RunID, &rec.Name, &rec.Success, &rec.ExitStatus, &rec.Error, &rec.StdoutTail, &rec.StderrTail); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateTail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
