package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run is one orchestration as recorded in history.
type Run struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	TaskCount    int        `json:"task_count"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	NeverStarted int        `json:"never_started"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TaskResult is the recorded outcome of one task in a run.
type TaskResult struct {
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Status     string    `json:"status"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// StartRun inserts a run in the executing state. Starting an id twice
// resets it.
func (s *Store) StartRun(ctx context.Context, id, name string, taskCount int, startedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, name, status, task_count, started_at)
		VALUES ($1, $2, 'executing', $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			task_count = EXCLUDED.task_count,
			started_at = EXCLUDED.started_at,
			finished_at = NULL`,
		id, name, taskCount, startedAt,
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", id, err)
	}
	return nil
}

// FinishRun stores the final tallies of a run. A run that was never started
// is inserted.
func (s *Store) FinishRun(ctx context.Context, r Run) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = finished
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, name, status, task_count, completed, failed, never_started, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			task_count = EXCLUDED.task_count,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			never_started = EXCLUDED.never_started,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		r.ID, r.Name, r.Status, r.TaskCount, r.Completed, r.Failed, r.NeverStarted, r.Error, r.StartedAt, finished,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}
	return nil
}

// RecordTask upserts a task outcome. The run row must exist.
func (s *Store) RecordTask(ctx context.Context, tr TaskResult) error {
	var payload []byte
	if tr.Result != nil {
		var err error
		payload, err = json.Marshal(tr.Result)
		if err != nil {
			return fmt.Errorf("marshal result of %s: %w", tr.TaskID, err)
		}
	}
	if tr.RecordedAt.IsZero() {
		tr.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_results (run_id, task_id, device_id, status, result, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			recorded_at = EXCLUDED.recorded_at`,
		tr.RunID, tr.TaskID, tr.DeviceID, tr.Status, payload, tr.Error, tr.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record task %s/%s: %w", tr.RunID, tr.TaskID, err)
	}
	return nil
}

const runColumns = `id, name, status, task_count, completed, failed, never_started, error, started_at, finished_at`

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.Name, &r.Status, &r.TaskCount, &r.Completed, &r.Failed,
		&r.NeverStarted, &r.Error, &r.StartedAt, &r.FinishedAt)
	return r, err
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunTasks returns the task outcomes recorded for a run, in recording order.
func (s *Store) RunTasks(ctx context.Context, runID string) ([]TaskResult, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, task_id, device_id, status, result, error, recorded_at
		FROM task_results
		WHERE run_id = $1
		ORDER BY recorded_at ASC, task_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("run tasks %s: %w", runID, err)
	}
	defer rows.Close()

	var out []TaskResult
	for rows.Next() {
		var (
			tr      TaskResult
			payload []byte
		)
		if err := rows.Scan(&tr.RunID, &tr.TaskID, &tr.DeviceID, &tr.Status, &payload, &tr.Error, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &tr.Result); err != nil {
				return nil, fmt.Errorf("decode result of %s: %w", tr.TaskID, err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
