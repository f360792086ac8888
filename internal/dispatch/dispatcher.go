// Package dispatch enqueues a task's runs in batches spaced batch_delay apart
// so that sandbox cold starts do not all land in the same instant.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/rs/zerolog"
)

// Enqueuer accepts a job that becomes visible after delay
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobqueue.Job, delay time.Duration) error
	QueuedRuns(ctx context.Context, runIDs []int64) (map[int64]bool, error)
}

// Config controls the stagger
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return 1
	}
	return c.BatchSize
}

// Delay returns floor(i/batchSize) * batchDelay for 0-based run index i
func Delay(i, batchSize int, batchDelay time.Duration) time.Duration {
	if batchSize <= 0 {
		batchSize = 1
	}
	if i < 0 {
		i = 0
	}
	return time.Duration(i/batchSize) * batchDelay
}

// Delay returns the delay of run index i under c
func (c Config) Delay(i int) time.Duration {
	return Delay(i, c.batchSize(), c.BatchDelay)
}

// TotalStagger is the delay of the last of n runs
func (c Config) TotalStagger(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return c.Delay(n - 1)
}

// Failure is a run that could not be enqueued. The run stays PENDING.
type Failure struct {
	RunID int64
	Err   error
}

// Report summarises one dispatch
type Report struct {
	TaskID   int64
	Enqueued []int64
	Failed   []Failure
	Stagger  time.Duration
}

// FailedIDs returns the run IDs that were not enqueued
func (r Report) FailedIDs() []int64 {
	ids := make([]int64, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.RunID
	}
	return ids
}

// AllFailed is true when runs were given and none was enqueued
func (r Report) AllFailed() bool {
	return len(r.Enqueued) == 0 && len(r.Failed) > 0
}

// Dispatcher hands runs to the queue
type Dispatcher struct {
	cfg    Config
	queue  Enqueuer
	logger zerolog.Logger
}

// New creates a Dispatcher
func New(cfg Config, queue Enqueuer) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		queue:  queue,
		logger: logging.Component("dispatch"),
	}
}

// Config returns the stagger configuration
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Unqueued filters runIDs down to the runs with no job in the queue, keeping
// their order. A run waiting out a retry backoff or its stagger still has a
// job and is dropped.
func (d *Dispatcher) Unqueued(ctx context.Context, runIDs []int64) ([]int64, error) {
	queued, err := d.queue.QueuedRuns(ctx, runIDs)
	if err != nil {
		return nil, fmt.Errorf("checking queued runs: %w", err)
	}
	out := make([]int64, 0, len(runIDs))
	for _, id := range runIDs {
		if !queued[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Dispatch enqueues every run with its stagger delay. One run failing to
// enqueue does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID int64, runIDs []int64) Report {
	report := Report{TaskID: taskID}

	for i, runID := range runIDs {
		delay := d.cfg.Delay(i)
		job := jobqueue.Job{TaskID: taskID, RunID: runID}

		if err := d.queue.Enqueue(ctx, job, delay); err != nil {
			d.logger.Error().Err(err).
				Int64("task_id", taskID).
				Int64("run_id", runID).
				Msg("enqueue failed; run left pending")
			report.Failed = append(report.Failed, Failure{
				RunID: runID,
				Err:   fmt.Errorf("run %d: %w: %v", runID, domain.ErrEnqueue, err),
			})
			continue
		}

		report.Enqueued = append(report.Enqueued, runID)
		if delay > report.Stagger {
			report.Stagger = delay
		}
	}

	d.logger.Info().
		Int64("task_id", taskID).
		Int("enqueued", len(report.Enqueued)).
		Int("failed", len(report.Failed)).
		Dur("stagger", report.Stagger).
		Msg("runs dispatched")
	return report
}
