// Package jobqueue is an at-least-once job queue stored in SQLite. A claimed
// job carries a lease; if the worker dies the lease expires and
// RequeueExpired makes the job visible again.
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    task_id INTEGER NOT NULL,
    run_id INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    enqueued_at INTEGER NOT NULL,
    available_at INTEGER NOT NULL,
    lease_owner TEXT,
    lease_expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_available ON jobs(lease_owner, available_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at);
`

// ErrLeaseLost is returned by Ack and Release when the caller no longer holds the lease
var ErrLeaseLost = errors.New("job lease lost")

// Job asks a worker to execute one run
type Job struct {
	ID          string
	TaskID      int64
	RunID       int64
	Attempts    int
	EnqueuedAt  time.Time
	AvailableAt time.Time
}

// Depth counts jobs by visibility
type Depth struct {
	Ready   int `json:"ready" yaml:"ready"`
	Delayed int `json:"delayed" yaml:"delayed"`
	Leased  int `json:"leased" yaml:"leased"`
}

// Total is the number of jobs in the queue
func (d Depth) Total() int {
	return d.Ready + d.Delayed + d.Leased
}

// Queue is the SQLite-backed queue
type Queue struct {
	db     *sql.DB
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates the jobs table on db if needed
func New(db *sql.DB, opts ...Option) (*Queue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	q := &Queue{
		db:     db,
		now:    time.Now,
		logger: logging.Component("jobqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue adds a job that becomes claimable after delay
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now()

	return retryOnBusy(ctx, 5, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO jobs (id, task_id, run_id, attempts, enqueued_at, available_at)
			VALUES (?, ?, ?, 0, ?, ?)
		`, job.ID, job.TaskID, job.RunID, now.UnixMilli(), now.Add(delay).UnixMilli())
		if err != nil {
			return fmt.Errorf("enqueue run %d: %w", job.RunID, err)
		}
		return nil
	})
}

// Claim leases the oldest available job to owner. It returns nil, nil when
// nothing is ready.
func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	now := q.now()
	var job *Job

	err := retryOnBusy(ctx, 5, func() error {
		row := q.db.QueryRowContext(ctx, `
			UPDATE jobs SET lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1
			WHERE seq = (
				SELECT seq FROM jobs
				WHERE lease_owner IS NULL AND available_at <= ?
				ORDER BY available_at, seq
				LIMIT 1
			) AND lease_owner IS NULL
			RETURNING id, task_id, run_id, attempts, enqueued_at, available_at
		`, owner, now.Add(lease).UnixMilli(), now.UnixMilli())

		var j Job
		var enqueued, available int64
		err := row.Scan(&j.ID, &j.TaskID, &j.RunID, &j.Attempts, &enqueued, &available)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		j.EnqueuedAt = time.UnixMilli(enqueued)
		j.AvailableAt = time.UnixMilli(available)
		job = &j
		return nil
	})
	return job, err
}

// Ack removes a finished job
func (q *Queue) Ack(ctx context.Context, jobID, owner string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND lease_owner = ?`, jobID, owner)
		if err != nil {
			return err
		}
		return requireOne(res, jobID)
	})
}

// Release gives a job back, visible again after delay
func (q *Queue) Release(ctx context.Context, jobID, owner string, delay time.Duration) error {
	available := q.now().Add(delay).UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL, available_at = ?
			WHERE id = ? AND lease_owner = ?
		`, available, jobID, owner)
		if err != nil {
			return err
		}
		return requireOne(res, jobID)
	})
}

// Extend pushes out the lease of a job still being worked on
func (q *Queue) Extend(ctx context.Context, jobID, owner string, lease time.Duration) error {
	expires := q.now().Add(lease).UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?
		`, expires, jobID, owner)
		if err != nil {
			return err
		}
		return requireOne(res, jobID)
	})
}

// RequeueExpired clears leases that ran out, making their jobs claimable
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET lease_owner = NULL, lease_expires_at = NULL, available_at = ?
			WHERE lease_owner IS NOT NULL AND lease_expires_at <= ?
		`, now, now)
		if err != nil {
			return fmt.Errorf("requeue expired leases: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if n > 0 {
		q.logger.Warn().Int64("jobs", n).Msg("requeued jobs with expired leases")
	}
	return n, err
}

// Depth counts ready, delayed and leased jobs
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var d Depth
	now := q.now().UnixMilli()
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN lease_owner IS NULL AND available_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_owner IS NULL AND available_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN lease_owner IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM jobs
	`, now, now).Scan(&d.Ready, &d.Delayed, &d.Leased)
	return d, err
}

// QueuedRuns reports which of runIDs still have a job in the queue, whether
// ready, waiting out a delay or leased
func (q *Queue) QueuedRuns(ctx context.Context, runIDs []int64) (map[int64]bool, error) {
	queued := make(map[int64]bool)
	if len(runIDs) == 0 {
		return queued, nil
	}

	args := make([]any, len(runIDs))
	for i, id := range runIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(runIDs)), ",")

	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT run_id FROM jobs WHERE run_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queued runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		queued[id] = true
	}
	return queued, rows.Err()
}

func requireOne(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

// retryOnBusy retries f on SQLITE_BUSY/LOCKED with bounded exponential backoff
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
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

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
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
