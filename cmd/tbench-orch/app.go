package main

import (
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/config"
	"github.com/hochfrequenz/tbench-runner/internal/dispatch"
	"github.com/hochfrequenz/tbench-runner/internal/events"
	"github.com/hochfrequenz/tbench-runner/internal/harbor"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/maintenance"
	"github.com/hochfrequenz/tbench-runner/internal/notify"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/hochfrequenz/tbench-runner/internal/retry"
	"github.com/hochfrequenz/tbench-runner/internal/runstate"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/hochfrequenz/tbench-runner/internal/worker"
)

// eventBuffer is the per-subscriber channel size for live event streams
const eventBuffer = 64

func loadConfig() (*config.Config, error) {
	config.LoadDotenv(".")

	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, nil
}

// app holds the components shared by every command
type app struct {
	cfg          *config.Config
	store        *taskstore.Store
	queue        *jobqueue.Queue
	bus          *events.Bus
	observer     *observer.Observer
	orchestrator *orchestrator.Orchestrator
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	queue, err := jobqueue.New(store.DB())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening job queue: %w", err)
	}

	bus := events.NewBus(eventBuffer)
	dispatcher := dispatch.New(dispatch.Config{
		BatchSize:  cfg.Dispatch.BatchSize,
		BatchDelay: cfg.Dispatch.BatchDelay.Duration,
	}, queue)

	orch := orchestrator.New(store, dispatcher, orchestrator.Config{
		MaxRunsPerTask: cfg.General.MaxRunsPerTask,
		MaxUploadSize:  cfg.General.MaxUploadSize,
		UploadDir:      cfg.General.UploadDir,
		DefaultModel:   cfg.Harbor.DefaultModel,
		DefaultAgent:   cfg.Harbor.DefaultAgent,
	}, orchestrator.WithEvents(bus))

	return &app{
		cfg:          cfg,
		store:        store,
		queue:        queue,
		bus:          bus,
		observer:     observer.New(staleAfter(cfg)),
		orchestrator: orch,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// staleAfter is how long a run may stay RUNNING before maintenance gives up on it.
// A live worker keeps extending its lease until the hard timeout fires.
func staleAfter(cfg *config.Config) time.Duration {
	return cfg.Harbor.HardTimeout() + cfg.Worker.LeaseDuration.Duration
}

func (a *app) newWorker(concurrency int) (*worker.Worker, error) {
	policy, err := retry.PolicyFromConfig(a.cfg.Retry)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = a.cfg.Worker.Concurrency
	}

	runner := harbor.NewRunner(harbor.Config{
		Binary:      a.cfg.Harbor.Binary,
		Environment: a.cfg.Harbor.Environment,
		JobsDir:     a.cfg.General.JobsDir,
		APIKey:      a.cfg.Harbor.APIKey,
		APIBaseURL:  a.cfg.Harbor.APIBaseURL,
	})

	return worker.New(worker.Config{
		Concurrency:   concurrency,
		PollInterval:  a.cfg.Worker.PollInterval.Duration,
		LeaseDuration: a.cfg.Worker.LeaseDuration.Duration,
		SoftTimeout:   a.cfg.Harbor.SoftTimeout.Duration,
		HardTimeout:   a.cfg.Harbor.HardTimeout(),
		Policy:        policy,
	}, a.queue, a.store, runstate.New(a.store), runner,
		worker.WithObserver(a.observer),
		worker.WithEvents(a.bus),
		worker.WithNotifier(notify.FromConfig(a.cfg.Notifications)),
	), nil
}

func (a *app) newMaintenance() (*maintenance.Maintenance, error) {
	return maintenance.New(maintenance.Config{
		LeaseReaperCron: a.cfg.Maintenance.LeaseReaperCron,
		StaleRunCron:    a.cfg.Maintenance.StaleRunCron,
		StaleAfter:      staleAfter(a.cfg),
	}, a.queue, a.store, runstate.New(a.store),
		maintenance.WithEvents(a.bus),
		maintenance.WithNotifier(notify.FromConfig(a.cfg.Notifications)),
	)
}
