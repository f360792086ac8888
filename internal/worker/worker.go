// Package worker pulls run jobs off the queue and drives each run through the
// execution backend, the retry classifier and the run state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/tbench-runner/internal/aggregate"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/notify"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/hochfrequenz/tbench-runner/internal/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Adapter runs one job on the execution backend. Ordinary failures come back
// as unsuccessful outcomes; only launch faults are errors.
type Adapter interface {
	Execute(ctx context.Context, spec domain.JobSpec, timeout time.Duration) (domain.Outcome, error)
}

// Queue is the consuming side of the job queue
type Queue interface {
	Claim(ctx context.Context, owner string, lease time.Duration) (*jobqueue.Job, error)
	Ack(ctx context.Context, jobID, owner string) error
	Release(ctx context.Context, jobID, owner string, delay time.Duration) error
	Extend(ctx context.Context, jobID, owner string, lease time.Duration) error
}

// Store reads runs and tasks
type Store interface {
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
}

// Machine applies run transitions; implemented by runstate.Machine
type Machine interface {
	Start(ctx context.Context, runID int64) error
	Finalize(ctx context.Context, runID int64, outcome domain.Outcome) (aggregate.Result, error)
	Error(ctx context.Context, runID int64, message string) (aggregate.Result, error)
	Timeout(ctx context.Context, runID int64, message string) (aggregate.Result, error)
	Requeue(ctx context.Context, runID int64, maxRetries int) error
}

// Config configures a Worker
type Config struct {
	ID            string
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	SoftTimeout   time.Duration
	HardTimeout   time.Duration
	Policy        retry.Policy
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SoftTimeout <= 0 {
		c.SoftTimeout = 20 * time.Minute
	}
	if c.HardTimeout <= c.SoftTimeout {
		c.HardTimeout = c.SoftTimeout + 2*time.Minute
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
}

// Worker executes run jobs on a fixed number of slots
type Worker struct {
	cfg      Config
	queue    Queue
	store    Store
	machine  Machine
	adapter  Adapter
	pool     *Pool
	observer *observer.Observer
	events   events.Publisher
	notifier notify.Notifier
	logger   zerolog.Logger
}

// Option configures optional Worker collaborators
type Option func(*Worker)

// WithObserver records completions, retries and slot usage on obs
func WithObserver(obs *observer.Observer) Option {
	return func(w *Worker) { w.observer = obs }
}

// WithEvents publishes run and task progress
func WithEvents(pub events.Publisher) Option {
	return func(w *Worker) { w.events = pub }
}

// WithNotifier sends a notification whenever a task completes
func WithNotifier(n notify.Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// New creates a Worker
func New(cfg Config, queue Queue, store Store, machine Machine, adapter Adapter, opts ...Option) *Worker {
	cfg.applyDefaults()
	w := &Worker{
		cfg:      cfg,
		queue:    queue,
		store:    store,
		machine:  machine,
		adapter:  adapter,
		pool:     NewPool(cfg.Concurrency),
		events:   events.Nop{},
		notifier: notify.NoopNotifier{},
		logger:   logging.Component("worker").With().Str("worker_id", cfg.ID).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.observer != nil {
		w.pool.SetOnChange(w.observer.SetBusySlots)
	}
	return w
}

// ID returns the worker's identity, the prefix of its lease owners
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Pool exposes the slot pool
func (w *Worker) Pool() *Pool {
	return w.pool
}

// Run claims and executes jobs until ctx is cancelled. Jobs already executing
// when ctx is cancelled run to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Dur("soft_timeout", w.cfg.SoftTimeout).
		Dur("hard_timeout", w.cfg.HardTimeout).
		Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		owner := fmt.Sprintf("%s/%d", w.cfg.ID, i)
		g.Go(func() error {
			return w.loop(ctx, owner)
		})
	}
	err := g.Wait()

	w.logger.Info().Msg("worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, owner string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := w.queue.Claim(ctx, owner, w.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Str("owner", owner).Msg("claim failed")
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, w.cfg.PollInterval)
			continue
		}

		if !w.pool.Acquire() {
			// every loop owns one slot, so this only happens if Concurrency was lowered underneath us
			w.queue.Release(ctx, job.ID, owner, w.cfg.PollInterval)
			sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if err := w.Process(context.WithoutCancel(ctx), owner, job); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Int64("run_id", job.RunID).Msg("job failed")
		}
		w.pool.Release()
	}
}

// Process executes one claimed job and settles it on the queue. The returned
// error is informational; the job has been acked, released or left to expire.
func (w *Worker) Process(ctx context.Context, owner string, job *jobqueue.Job) error {
	log := w.logger.With().Str("job_id", job.ID).Int64("run_id", job.RunID).Int64("task_id", job.TaskID).Logger()

	run, err := w.store.GetRun(ctx, job.RunID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Msg("run no longer exists, dropping job")
		return w.ack(ctx, owner, job)
	}
	if err != nil {
		w.queue.Release(ctx, job.ID, owner, w.cfg.PollInterval)
		return fmt.Errorf("loading run %d: %w", job.RunID, err)
	}

	if err := w.machine.Start(ctx, run.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Debug().Str("status", string(run.Status)).Msg("duplicate delivery, dropping job")
			return w.ack(ctx, owner, job)
		}
		w.queue.Release(ctx, job.ID, owner, w.cfg.PollInterval)
		return fmt.Errorf("starting run %d: %w", run.ID, err)
	}
	started := time.Now()
	w.publish(events.RunStarted, run.TaskID, run.ID, domain.RunRunning, nil)

	task, err := w.store.GetTask(ctx, run.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug().Msg("task deleted, dropping job")
			return w.ack(ctx, owner, job)
		}
		agg, ferr := w.machine.Error(ctx, run.ID, "loading task: "+err.Error())
		if ferr == nil {
			w.settled(ctx, run, domain.RunError, time.Since(started), agg)
		}
		w.ack(ctx, owner, job)
		return fmt.Errorf("loading task %d: %w", run.TaskID, err)
	}

	spec := domain.JobSpec{
		TaskID:    task.ID,
		RunID:     run.ID,
		RunNumber: run.RunNumber,
		FilePath:  task.FilePath,
		Model:     task.Model,
		Agent:     task.Agent,
	}
	log.Info().Str("label", spec.Label()).Str("agent", spec.Agent).Str("model", spec.Model).Msg("executing run")

	res := w.execute(ctx, owner, job.ID, spec)
	elapsed := time.Since(started)

	if res.hardTimeout {
		log.Warn().Dur("hard_timeout", w.cfg.HardTimeout).Msg("backend did not return before hard timeout")
		agg, err := w.machine.Timeout(ctx, run.ID, fmt.Sprintf("Hard timeout after %s", w.cfg.HardTimeout))
		if err != nil {
			return w.settleFailed(ctx, owner, job, log, err)
		}
		w.settled(ctx, run, domain.RunTimeout, elapsed, agg)
		return w.ack(ctx, owner, job)
	}

	decision := retry.Classify(w.cfg.Policy, retry.Input{
		Outcome:    res.outcome,
		AdapterErr: res.err,
		RetryCount: run.RetryCount,
	})

	switch decision.Action {
	case retry.ActionRequeue:
		if err := w.machine.Requeue(ctx, run.ID, w.cfg.Policy.MaxRetries); err != nil {
			return w.settleFailed(ctx, owner, job, log, err)
		}
		log.Info().
			Str("signature", decision.Signature).
			Int("retry_count", decision.RetryCount).
			Dur("delay", decision.Delay).
			Msg(decision.Reason)
		if w.observer != nil {
			w.observer.RecordRetry(decision.Signature)
		}
		w.publish(events.RunRequeued, run.TaskID, run.ID, domain.RunPending, map[string]any{
			"signature":   decision.Signature,
			"retry_count": decision.RetryCount,
		})
		return w.queue.Release(ctx, job.ID, owner, decision.Delay)

	case retry.ActionError:
		agg, err := w.machine.Error(ctx, run.ID, decision.Reason)
		if err != nil {
			return w.settleFailed(ctx, owner, job, log, err)
		}
		w.settled(ctx, run, domain.RunError, elapsed, agg)

	default:
		if decision.Reason != "" {
			log.Info().Str("signature", decision.Signature).Msg(decision.Reason)
		}
		agg, err := w.machine.Finalize(ctx, run.ID, *res.outcome)
		if err != nil {
			return w.settleFailed(ctx, owner, job, log, err)
		}
		duration := elapsed
		if res.outcome.DurationSeconds > 0 {
			duration = time.Duration(res.outcome.DurationSeconds * float64(time.Second))
		}
		w.settled(ctx, run, decision.Status, duration, agg)
	}

	return w.ack(ctx, owner, job)
}

type execResult struct {
	outcome     *domain.Outcome
	err         error
	hardTimeout bool
}

// execute calls the adapter, extending the job lease while it runs and
// giving up once the hard timeout passes
func (w *Worker) execute(ctx context.Context, owner, jobID string, spec domain.JobSpec) execResult {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		out, err := w.adapter.Execute(execCtx, spec, w.cfg.SoftTimeout)
		if err != nil {
			done <- execResult{err: err}
			return
		}
		done <- execResult{outcome: &out}
	}()

	hard := time.NewTimer(w.cfg.HardTimeout)
	defer hard.Stop()
	heartbeat := time.NewTicker(max(w.cfg.LeaseDuration/3, time.Millisecond))
	defer heartbeat.Stop()

	for {
		select {
		case res := <-done:
			return res
		case <-hard.C:
			return execResult{hardTimeout: true}
		case <-heartbeat.C:
			if err := w.queue.Extend(ctx, jobID, owner, w.cfg.LeaseDuration); err != nil {
				w.logger.Warn().Err(err).Str("job_id", jobID).Msg("extending lease failed")
			}
		}
	}
}

// settled records a terminal run and, when it completed the task, announces it
func (w *Worker) settled(ctx context.Context, run *domain.Run, status domain.RunStatus, duration time.Duration, agg aggregate.Result) {
	if w.observer != nil {
		w.observer.RecordCompletion(run.TaskID, run.ID, status, duration)
	}
	w.publish(events.RunFinished, run.TaskID, run.ID, status, agg.Counters)

	if !agg.Completed {
		return
	}
	task, err := w.store.GetTask(ctx, run.TaskID)
	if err != nil {
		w.logger.Warn().Err(err).Int64("task_id", run.TaskID).Msg("loading completed task")
		return
	}
	w.events.Publish(events.Event{
		Type:   events.TaskCompleted,
		TaskID: task.ID,
		Status: string(task.Status),
		Time:   time.Now().UTC(),
		Data:   agg.Counters,
	})
	if err := w.notifier.Send(notify.TaskCompleted(task)); err != nil {
		w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("sending notification")
	}
}

// settleFailed handles a transition that could not be applied. An invalid
// transition means someone else already settled the run, so the job is done.
func (w *Worker) settleFailed(ctx context.Context, owner string, job *jobqueue.Job, log zerolog.Logger, err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Debug().Err(err).Msg("run already settled, dropping job")
		return w.ack(ctx, owner, job)
	}
	// leave the job leased; it expires and the stale-run sweep settles the run
	return err
}

func (w *Worker) ack(ctx context.Context, owner string, job *jobqueue.Job) error {
	if err := w.queue.Ack(ctx, job.ID, owner); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (w *Worker) publish(typ events.Type, taskID, runID int64, status domain.RunStatus, data any) {
	w.events.Publish(events.Event{
		Type:   typ,
		TaskID: taskID,
		RunID:  runID,
		Status: string(status),
		Time:   time.Now().UTC(),
		Data:   data,
	})
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
