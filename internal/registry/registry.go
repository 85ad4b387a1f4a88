// Package registry provides SQLite-backed persistence for spawned sub-agent
// runs. A run with a start time but no end time that survives a process
// restart is orphaned; the startup recovery pass owns reconciling those.
package registry

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Registry is the durable store of sub-agent run records.
type Registry struct {
	db *sql.DB
}

// New creates a Registry, initializing the database if needed.
func New(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		child_key        TEXT NOT NULL,
		requester_key    TEXT NOT NULL,
		reply_stream     TEXT NOT NULL,
		reply_topic      TEXT NOT NULL,
		task             TEXT NOT NULL,
		label            TEXT NOT NULL,
		model            TEXT,
		thinking         TEXT,
		depth            INTEGER NOT NULL,
		cleanup          TEXT NOT NULL DEFAULT 'keep',
		status           TEXT NOT NULL,
		error            TEXT,
		cleanup_handled  BOOLEAN DEFAULT FALSE,
		announce_handled BOOLEAN DEFAULT FALSE,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
		started_at       DATETIME,
		ended_at         DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_requester ON runs(requester_key);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := r.db.Exec(schema)
	return err
}

// RunStatus is the lifecycle state of a spawned run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusTerminated RunStatus = "terminated"
)

// CleanupPolicy decides what happens to a record when its run ends.
type CleanupPolicy string

const (
	CleanupKeep   CleanupPolicy = "keep"
	CleanupDelete CleanupPolicy = "delete"
)

// Run is one spawned sub-agent run.
type Run struct {
	ID           string
	ChildKey     string
	RequesterKey string
	ReplyStream  string
	ReplyTopic   string
	Task         string
	Label        string
	Model        string
	Thinking     string
	Depth        int
	Cleanup      CleanupPolicy
	Status       RunStatus
	Error        string

	CleanupHandled  bool
	AnnounceHandled bool

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

const runColumns = `id, child_key, requester_key, reply_stream, reply_topic, task, label,
	model, thinking, depth, cleanup, status, error, cleanup_handled, announce_handled,
	created_at, started_at, ended_at`

// CreateRun inserts a new run record.
func (r *Registry) CreateRun(run *Run) error {
	query := `
		INSERT INTO runs (
			id, child_key, requester_key, reply_stream, reply_topic, task, label,
			model, thinking, depth, cleanup, status, error, cleanup_handled, announce_handled,
			created_at, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if run.Cleanup == "" {
		run.Cleanup = CleanupKeep
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(query,
		run.ID,
		run.ChildKey,
		run.RequesterKey,
		run.ReplyStream,
		run.ReplyTopic,
		run.Task,
		run.Label,
		run.Model,
		run.Thinking,
		run.Depth,
		run.Cleanup,
		run.Status,
		run.Error,
		run.CleanupHandled,
		run.AnnounceHandled,
		run.CreatedAt,
		run.StartedAt,
	)
	return err
}

// GetRun retrieves a run by ID. Returns nil when the run does not exist.
func (r *Registry) GetRun(id string) (*Run, error) {
	row := r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// MarkStarted records the run's start time and flips it to running.
func (r *Registry) MarkStarted(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE runs SET status = ?, started_at = ? WHERE id = ?`,
		RunStatusRunning, at, id)
	return err
}

// Finish records the run's outcome. Runs with cleanup=delete are removed
// outright; the rest keep their record with ended_at set.
func (r *Registry) Finish(id string, status RunStatus, runErr string, at time.Time) error {
	run, err := r.GetRun(id)
	if err != nil {
		return err
	}
	if run == nil {
		return sql.ErrNoRows
	}
	if run.Cleanup == CleanupDelete {
		_, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
		return err
	}
	_, err = r.db.Exec(`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		status, runErr, at, id)
	return err
}

// MarkTerminated closes out an orphaned record so recovery never reconsiders
// it: ended_at set, synthetic outcome recorded, handled flags raised.
func (r *Registry) MarkTerminated(id, reason string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE runs SET status = ?, error = ?, ended_at = ?,
			cleanup_handled = TRUE, announce_handled = TRUE
		WHERE id = ?`,
		RunStatusTerminated, reason, at, id)
	return err
}

// ActiveChildren counts a requester's currently in-flight runs, for the
// fanout ceiling.
func (r *Registry) ActiveChildren(requesterKey string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE requester_key = ? AND ended_at IS NULL`,
		requesterKey).Scan(&count)
	return count, err
}

// ListOrphaned returns runs that were started but never ended, as left behind
// by a process crash or restart.
func (r *Registry) ListOrphaned() ([]*Run, error) {
	return r.list(`SELECT ` + runColumns + ` FROM runs
		WHERE started_at IS NOT NULL AND ended_at IS NULL
		ORDER BY started_at ASC`)
}

// ListActive returns every run without an end time, newest first.
func (r *Registry) ListActive() ([]*Run, error) {
	return r.list(`SELECT ` + runColumns + ` FROM runs
		WHERE ended_at IS NULL
		ORDER BY created_at DESC`)
}

// ActiveByRequester returns a requester's in-flight runs.
func (r *Registry) ActiveByRequester(requesterKey string) ([]*Run, error) {
	return r.list(`SELECT `+runColumns+` FROM runs
		WHERE requester_key = ? AND ended_at IS NULL
		ORDER BY created_at ASC`, requesterKey)
}

func (r *Registry) list(query string, args ...any) ([]*Run, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var model, thinking, runErr sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.ChildKey, &run.RequesterKey, &run.ReplyStream, &run.ReplyTopic,
		&run.Task, &run.Label, &model, &thinking, &run.Depth, &run.Cleanup,
		&run.Status, &runErr, &run.CleanupHandled, &run.AnnounceHandled,
		&run.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Model = model.String
	run.Thinking = thinking.String
	run.Error = runErr.String
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}
