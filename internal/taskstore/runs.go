package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
)

const runColumns = `id, task_id, run_number, status, started_at, completed_at, tests_total, tests_passed,
	tests_failed, duration_seconds, logs, error_message, retry_count`

// CreateRuns inserts n pending runs numbered 1..n and returns their IDs in order
func (q queries) CreateRuns(ctx context.Context, taskID int64, n int) ([]int64, error) {
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		res, err := q.q.ExecContext(ctx, `
			INSERT INTO runs (task_id, run_number, status) VALUES (?, ?, ?)
		`, taskID, i, string(domain.RunPending))
		if err != nil {
			return nil, fmt.Errorf("inserting run %d of task %d: %w", i, taskID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetRun retrieves a run by ID
func (q queries) GetRun(ctx context.Context, id int64) (*domain.Run, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// ListRuns returns a task's runs ordered by run number
func (q queries) ListRuns(ctx context.Context, taskID int64) ([]*domain.Run, error) {
	return q.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY run_number`, taskID)
}

// ListRunsByStatus returns a task's runs in the given status ordered by run number
func (q queries) ListRunsByStatus(ctx context.Context, taskID int64, status domain.RunStatus) ([]*domain.Run, error) {
	return q.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id = ? AND status = ? ORDER BY run_number`,
		taskID, string(status))
}

// ListRunningRuns returns every run currently marked running, across tasks
func (q queries) ListRunningRuns(ctx context.Context) ([]*domain.Run, error) {
	return q.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY id`, string(domain.RunRunning))
}

// ListRunStatuses returns the status of every run of a task
func (q queries) ListRunStatuses(ctx context.Context, taskID int64) ([]domain.RunStatus, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT status FROM runs WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []domain.RunStatus
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		statuses = append(statuses, domain.RunStatus(s))
	}
	return statuses, rows.Err()
}

// StartRun moves a pending run to running. It returns domain.ErrInvalidTransition
// when the run is not pending, which is how duplicate deliveries are detected.
func (q queries) StartRun(ctx context.Context, id int64, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, string(domain.RunRunning), now, id, string(domain.RunPending))
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("start run %d: %w", id, domain.ErrInvalidTransition))
}

// RunResult is the terminal state written by FinishRun
type RunResult struct {
	Status          domain.RunStatus
	TestsTotal      int
	TestsPassed     int
	TestsFailed     int
	DurationSeconds *float64
	Logs            string
	ErrorMessage    *string
}

// FinishRun writes a terminal result, provided the run is currently in one of from
func (q queries) FinishRun(ctx context.Context, id int64, result RunResult, now time.Time, from ...domain.RunStatus) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("finish run %d with non-terminal status %q", id, result.Status)
	}
	if len(from) == 0 {
		from = []domain.RunStatus{domain.RunRunning}
	}

	args := []any{
		string(result.Status),
		now,
		result.TestsTotal,
		result.TestsPassed,
		result.TestsFailed,
		result.DurationSeconds,
		domain.TruncateLogs(result.Logs),
		result.ErrorMessage,
		id,
	}
	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, tests_total = ?, tests_passed = ?, tests_failed = ?,
			duration_seconds = ?, logs = ?, error_message = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("finish run %d: %w", id, domain.ErrInvalidTransition))
}

// RequeueRun takes the retry edge running -> pending, provided the run has
// retries left. It clears started_at and increments retry_count.
func (q queries) RequeueRun(ctx context.Context, id int64, maxRetries int) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = NULL, retry_count = retry_count + 1
		WHERE id = ? AND status = ? AND retry_count < ?
	`, string(domain.RunPending), id, string(domain.RunRunning), maxRetries)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("requeue run %d: %w", id, domain.ErrInvalidTransition))
}

func (q queries) queryRuns(ctx context.Context, query string, args ...any) ([]*domain.Run, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var startedAt, completedAt sql.NullTime
	var duration sql.NullFloat64
	var errMsg sql.NullString

	err := row.Scan(&run.ID, &run.TaskID, &run.RunNumber, &status, &startedAt, &completedAt,
		&run.TestsTotal, &run.TestsPassed, &run.TestsFailed, &duration, &run.Logs, &errMsg, &run.RetryCount)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	if duration.Valid {
		d := duration.Float64
		run.DurationSeconds = &d
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	return &run, nil
}
