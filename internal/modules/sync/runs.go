package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnquant/marketd/internal/domain"
)

// Run is one recorded sync run. Success stays nil until the run finishes;
// Envelope holds the result as raw JSON so facade responses nest it intact.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Trigger    string          `json:"trigger"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
}

// RunsRepository records sync runs in the meta database.
type RunsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunsRepository creates the repository and its table.
func NewRunsRepository(db *sql.DB, log zerolog.Logger) (*RunsRepository, error) {
	r := &RunsRepository{
		db:  db,
		log: log.With().Str("repository", "sync_runs").Logger(),
	}

	// "trigger" is an SQL keyword, hence the quoting.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_runs (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			"trigger"   TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			success     INTEGER,
			envelope    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_runs table: %w", err)
	}

	return r, nil
}

// Start records a run beginning.
func (r *RunsRepository) Start(id, kind, trigger string) error {
	_, err := r.db.Exec(
		`INSERT INTO sync_runs (id, kind, "trigger", started_at) VALUES (?, ?, ?, ?)`,
		id, kind, trigger, nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run start: %w", err)
	}
	return nil
}

// Finish records a run's outcome and result envelope.
func (r *RunsRepository) Finish(id string, success bool, envelope string) error {
	_, err := r.db.Exec(
		`UPDATE sync_runs SET finished_at = ?, success = ?, envelope = ? WHERE id = ?`,
		nowStamp(), boolToInt(success), envelope, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run finish: %w", err)
	}
	return nil
}

// Recent returns the newest runs, most recent first.
func (r *RunsRepository) Recent(limit int) ([]Run, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := r.db.Query(
		`SELECT id, kind, "trigger", started_at, finished_at, success, envelope
		 FROM sync_runs
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished, envelope sql.NullString
		var success sql.NullInt64
		if err := rows.Scan(&run.ID, &run.Kind, &run.Trigger, &run.StartedAt, &finished, &success, &envelope); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.FinishedAt = finished.String
		if success.Valid {
			ok := success.Int64 != 0
			run.Success = &ok
		}
		if envelope.Valid && envelope.String != "" {
			run.Envelope = json.RawMessage(envelope.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Prune deletes everything but the newest keep runs and reports how many
// rows went away.
func (r *RunsRepository) Prune(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	result, err := r.db.Exec(
		`DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Count returns the number of recorded runs.
func (r *RunsRepository) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM sync_runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync runs: %w", err)
	}
	return n, nil
}

func nowStamp() string {
	return domain.NowBeijing().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
