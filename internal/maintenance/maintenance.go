// Package maintenance runs the periodic housekeeping a crashed worker leaves
// behind: expired queue leases and runs stuck in RUNNING.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/aggregate"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/notify"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as "@every 1m"
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Queue is the lease side of the job queue
type Queue interface {
	RequeueExpired(ctx context.Context) (int64, error)
}

// Store lists runs in flight
type Store interface {
	ListRunningRuns(ctx context.Context) ([]*domain.Run, error)
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
}

// Machine settles abandoned runs
type Machine interface {
	Error(ctx context.Context, runID int64, message string) (aggregate.Result, error)
}

// Config configures the housekeeping schedules
type Config struct {
	LeaseReaperCron string
	StaleRunCron    string
	// StaleAfter is how long a run may stay RUNNING before it is considered lost
	StaleAfter time.Duration
}

// Maintenance owns the cron jobs
type Maintenance struct {
	cfg      Config
	queue    Queue
	store    Store
	machine  Machine
	stuck    *observer.Observer
	events   events.Publisher
	notifier notify.Notifier
	cron     *cron.Cron
	logger   zerolog.Logger
}

// Option configures optional collaborators
type Option func(*Maintenance)

// WithEvents publishes runs settled by the sweep
func WithEvents(pub events.Publisher) Option {
	return func(m *Maintenance) { m.events = pub }
}

// WithNotifier announces tasks completed by the sweep
func WithNotifier(n notify.Notifier) Option {
	return func(m *Maintenance) { m.notifier = n }
}

// New validates the schedules and registers both jobs
func New(cfg Config, queue Queue, store Store, machine Machine, opts ...Option) (*Maintenance, error) {
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be positive")
	}

	logger := logging.Component("maintenance")
	m := &Maintenance{
		cfg:      cfg,
		queue:    queue,
		store:    store,
		machine:  machine,
		stuck:    observer.New(cfg.StaleAfter),
		events:   events.Nop{},
		notifier: notify.NoopNotifier{},
		logger:   logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
	}
	for _, opt := range opts {
		opt(m)
	}

	jobs := []struct {
		name string
		expr string
		fn   func(context.Context) error
	}{
		{"lease-reaper", cfg.LeaseReaperCron, func(ctx context.Context) error {
			_, err := m.ReapLeases(ctx)
			return err
		}},
		{"stale-run-sweep", cfg.StaleRunCron, func(ctx context.Context) error {
			_, err := m.SweepStaleRuns(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if _, err := ParseSchedule(j.expr); err != nil {
			return nil, fmt.Errorf("%s schedule %q: %w", j.name, j.expr, err)
		}
		name, fn := j.name, j.fn
		if _, err := m.cron.AddFunc(j.expr, func() {
			if err := fn(context.Background()); err != nil {
				m.logger.Error().Err(err).Str("job", name).Msg("maintenance job failed")
			}
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Run starts the schedules and blocks until ctx is cancelled, then waits for
// running jobs to return
func (m *Maintenance) Run(ctx context.Context) error {
	m.cron.Start()
	m.logger.Info().
		Str("lease_reaper", m.cfg.LeaseReaperCron).
		Str("stale_runs", m.cfg.StaleRunCron).
		Dur("stale_after", m.cfg.StaleAfter).
		Msg("maintenance started")

	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}

// NextRuns reports when each job fires next
func (m *Maintenance) NextRuns() []time.Time {
	entries := m.cron.Entries()
	next := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		next = append(next, e.Next)
	}
	return next
}

// ReapLeases makes jobs whose worker died claimable again
func (m *Maintenance) ReapLeases(ctx context.Context) (int64, error) {
	n, err := m.queue.RequeueExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("reaping leases: %w", err)
	}
	return n, nil
}

// SweepStaleRuns marks runs RUNNING for longer than StaleAfter as ERROR and
// aggregates their tasks. It returns how many runs it settled.
func (m *Maintenance) SweepStaleRuns(ctx context.Context) (int, error) {
	runs, err := m.store.ListRunningRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing running runs: %w", err)
	}

	settled := 0
	for _, run := range runs {
		if !m.stuck.IsStuck(run) {
			continue
		}

		msg := fmt.Sprintf("Worker lost: run still running after %s", m.cfg.StaleAfter)
		agg, err := m.machine.Error(ctx, run.ID, msg)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue // settled by its worker in the meantime
		}
		if err != nil {
			return settled, err
		}
		settled++

		m.logger.Warn().Int64("run_id", run.ID).Int64("task_id", run.TaskID).Msg("marked stale run as error")
		m.events.Publish(events.Event{
			Type:   events.RunFinished,
			TaskID: run.TaskID,
			RunID:  run.ID,
			Status: string(domain.RunError),
			Time:   time.Now().UTC(),
			Data:   agg.Counters,
		})
		if agg.Completed {
			m.taskCompleted(ctx, run.TaskID, agg)
		}
	}
	return settled, nil
}

func (m *Maintenance) taskCompleted(ctx context.Context, taskID int64, agg aggregate.Result) {
	m.events.Publish(events.Event{
		Type:   events.TaskCompleted,
		TaskID: taskID,
		Status: string(domain.TaskCompleted),
		Time:   time.Now().UTC(),
		Data:   agg.Counters,
	})
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Warn().Err(err).Int64("task_id", taskID).Msg("loading completed task")
		return
	}
	if err := m.notifier.Send(notify.TaskCompleted(task)); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", taskID).Msg("sending notification")
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
