// Package runstate owns the run lifecycle:
//
//	pending -> running -> passed | failed | error | timeout
//
// plus the single backward edge running -> pending taken by a retry. Every
// terminal transition commits together with the parent task's aggregation.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/aggregate"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/rs/zerolog"
)

// Store is the persistence the machine drives
type Store interface {
	StartRun(ctx context.Context, id int64, now time.Time) error
	RequeueRun(ctx context.Context, id int64, maxRetries int) error
	InTx(ctx context.Context, fn func(*taskstore.Tx) error) error
}

// Machine applies run transitions
type Machine struct {
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Machine
func New(store Store) *Machine {
	return &Machine{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.Component("runstate"),
	}
}

// Start moves a pending run to running. A second delivery of the same job
// gets domain.ErrInvalidTransition.
func (m *Machine) Start(ctx context.Context, runID int64) error {
	if err := m.store.StartRun(ctx, runID, m.now()); err != nil {
		return err
	}
	m.logger.Debug().Int64("run_id", runID).Msg("run started")
	return nil
}

// Finalize records the outcome of a running run: TIMEOUT when it timed out,
// PASSED on success, FAILED otherwise.
func (m *Machine) Finalize(ctx context.Context, runID int64, outcome domain.Outcome) (aggregate.Result, error) {
	status := domain.RunFailed
	switch {
	case outcome.TimedOut:
		status = domain.RunTimeout
	case outcome.Success:
		status = domain.RunPassed
	}

	duration := outcome.DurationSeconds
	result := taskstore.RunResult{
		Status:          status,
		TestsTotal:      outcome.TestsTotal,
		TestsPassed:     outcome.TestsPassed,
		TestsFailed:     outcome.TestsFailed,
		DurationSeconds: &duration,
		Logs:            outcome.Logs,
		ErrorMessage:    outcome.Error,
	}
	return m.terminate(ctx, runID, result, domain.RunRunning)
}

// Error marks a pending or running run as ERROR
func (m *Machine) Error(ctx context.Context, runID int64, message string) (aggregate.Result, error) {
	result := taskstore.RunResult{
		Status:       domain.RunError,
		ErrorMessage: domain.StringPtr(message),
	}
	return m.terminate(ctx, runID, result, domain.RunPending, domain.RunRunning)
}

// Timeout marks a running run as TIMEOUT without an outcome, used when the
// worker gives up waiting on the backend
func (m *Machine) Timeout(ctx context.Context, runID int64, message string) (aggregate.Result, error) {
	result := taskstore.RunResult{
		Status:       domain.RunTimeout,
		ErrorMessage: domain.StringPtr(message),
	}
	return m.terminate(ctx, runID, result, domain.RunRunning)
}

// Requeue takes the retry edge. Aggregation is untouched; the run is still in
// flight as far as its task is concerned.
func (m *Machine) Requeue(ctx context.Context, runID int64, maxRetries int) error {
	if err := m.store.RequeueRun(ctx, runID, maxRetries); err != nil {
		return err
	}
	m.logger.Info().Int64("run_id", runID).Msg("run requeued")
	return nil
}

func (m *Machine) terminate(ctx context.Context, runID int64, result taskstore.RunResult, from ...domain.RunStatus) (aggregate.Result, error) {
	now := m.now()
	var agg aggregate.Result

	err := m.store.InTx(ctx, func(tx *taskstore.Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := tx.FinishRun(ctx, runID, result, now, from...); err != nil {
			return err
		}
		agg, err = aggregate.Recompute(ctx, tx, run.TaskID, now)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return aggregate.Result{}, err
		}
		return aggregate.Result{}, fmt.Errorf("run %d -> %s: %w", runID, result.Status, err)
	}

	m.logger.Info().
		Int64("run_id", runID).
		Int64("task_id", agg.TaskID).
		Str("status", string(result.Status)).
		Int("passed", agg.Counters.Passed).
		Int("failed", agg.Counters.Failed).
		Int("total", agg.Counters.Total).
		Msg("run finished")
	if agg.Completed {
		m.logger.Info().Int64("task_id", agg.TaskID).Msg("task completed")
	}
	return agg, nil
}
