// Package orchestrator exposes the task-level operations: create, start,
// retry, redispatch, delete and read-only snapshots.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/dispatch"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/rs/zerolog"
)

// Store is the persistence the orchestrator needs
type Store interface {
	InTx(ctx context.Context, fn func(*taskstore.Tx) error) error
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	ListRuns(ctx context.Context, taskID int64) ([]*domain.Run, error)
	ListRunsByStatus(ctx context.Context, taskID int64, status domain.RunStatus) ([]*domain.Run, error)
	Stats(ctx context.Context) (*taskstore.Stats, error)
}

// Dispatcher enqueues runs with their stagger delay
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID int64, runIDs []int64) dispatch.Report
	Unqueued(ctx context.Context, runIDs []int64) ([]int64, error)
}

// Config holds task creation limits and defaults
type Config struct {
	MaxRunsPerTask int
	MaxUploadSize  int64
	UploadDir      string
	DefaultModel   string
	DefaultAgent   string
}

// Orchestrator coordinates tasks and their runs
type Orchestrator struct {
	store      Store
	dispatcher Dispatcher
	events     events.Publisher
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithEvents publishes task events to pub
func WithEvents(pub events.Publisher) Option {
	return func(o *Orchestrator) { o.events = pub }
}

// New creates an Orchestrator
func New(store Store, dispatcher Dispatcher, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		events:     events.Nop{},
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartResult describes a started task
type StartResult struct {
	Task   *domain.Task
	RunIDs []int64
	Report dispatch.Report
}

// StartTask creates num_runs pending runs, marks the task running and
// dispatches the runs. A task that is not pending gets domain.ErrAlreadyStarted
// and no runs are created. If no run could be enqueued the task is marked
// FAILED so it can be retried.
func (o *Orchestrator) StartTask(ctx context.Context, taskID int64) (*StartResult, error) {
	now := o.now()
	var runIDs []int64

	err := o.store.InTx(ctx, func(tx *taskstore.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.CanStart() {
			return fmt.Errorf("task %d is %s: %w", taskID, task.Status, domain.ErrAlreadyStarted)
		}

		runIDs, err = tx.CreateRuns(ctx, taskID, task.NumRuns)
		if err != nil {
			return err
		}
		return tx.MarkTaskStarted(ctx, taskID, len(runIDs), now)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Int64("task_id", taskID).Int("runs", len(runIDs)).Msg("task started")
	o.events.Publish(events.Event{Type: events.TaskStarted, TaskID: taskID, Status: string(domain.TaskRunning)})

	report := o.dispatcher.Dispatch(ctx, taskID, runIDs)
	if report.AllFailed() {
		o.logger.Error().Int64("task_id", taskID).Msg("no run could be enqueued; marking task failed")
		if err := o.store.SetTaskStatus(ctx, taskID, domain.TaskFailed); err != nil {
			return nil, fmt.Errorf("marking task %d failed: %w", taskID, err)
		}
		o.events.Publish(events.Event{Type: events.TaskFailed, TaskID: taskID, Status: string(domain.TaskFailed)})
	}

	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &StartResult{Task: task, RunIDs: runIDs, Report: report}, nil
}

// RetryTask deletes every run of a completed or failed task and resets it to
// pending. It does not dispatch; call StartTask for that.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	var task *domain.Task
	err := o.store.InTx(ctx, func(tx *taskstore.Tx) error {
		current, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !current.CanRetry() {
			return fmt.Errorf("task %d is %s: %w", taskID, current.Status, domain.ErrNotRetryable)
		}
		if err := tx.ResetTask(ctx, taskID); err != nil {
			return err
		}
		task, err = tx.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info().Int64("task_id", taskID).Msg("task reset for retry")
	o.events.Publish(events.Event{Type: events.TaskReset, TaskID: taskID, Status: string(task.Status)})
	return task, nil
}

// RedispatchPending re-enqueues the pending runs of a running task that have
// no job in the queue, the recovery path for runs whose enqueue failed. Runs
// still waiting out a retry backoff or their stagger keep their job.
func (o *Orchestrator) RedispatchPending(ctx context.Context, taskID int64) (dispatch.Report, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return dispatch.Report{}, err
	}
	if task.Status != domain.TaskRunning {
		return dispatch.Report{}, fmt.Errorf("redispatch task %d in status %s: %w", taskID, task.Status, domain.ErrInvalidTransition)
	}

	runs, err := o.store.ListRunsByStatus(ctx, taskID, domain.RunPending)
	if err != nil {
		return dispatch.Report{}, err
	}
	pending := make([]int64, len(runs))
	for i, r := range runs {
		pending[i] = r.ID
	}
	ids, err := o.dispatcher.Unqueued(ctx, pending)
	if err != nil {
		return dispatch.Report{}, err
	}

	report := o.dispatcher.Dispatch(ctx, taskID, ids)
	o.logger.Info().
		Int64("task_id", taskID).
		Int("pending", len(pending)).
		Int("runs", len(ids)).
		Msg("pending runs redispatched")
	return report, nil
}

// GetTask returns a task snapshot
func (o *Orchestrator) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// ListTasks returns task snapshots, newest first
func (o *Orchestrator) ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error) {
	return o.store.ListTasks(ctx, opts)
}

// ListRuns returns a task's runs; an unknown task is domain.ErrNotFound
func (o *Orchestrator) ListRuns(ctx context.Context, taskID int64) ([]*domain.Run, error) {
	if _, err := o.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return o.store.ListRuns(ctx, taskID)
}

// GetRun returns a run of the given task
func (o *Orchestrator) GetRun(ctx context.Context, taskID, runID int64) (*domain.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TaskID != taskID {
		return nil, fmt.Errorf("run %d of task %d: %w", runID, taskID, domain.ErrNotFound)
	}
	return run, nil
}

// Stats counts tasks and runs by status
func (o *Orchestrator) Stats(ctx context.Context) (*taskstore.Stats, error) {
	return o.store.Stats(ctx)
}
