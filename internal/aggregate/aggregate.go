// Package aggregate recomputes a task's rollup counters from its runs.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
)

// Counters is the rollup of a task's runs
type Counters struct {
	Total    int  `json:"total"`
	Passed   int  `json:"passed"`
	Failed   int  `json:"failed"`
	Terminal int  `json:"terminal"`
	Complete bool `json:"complete"`
}

// Rollup counts statuses. Failed includes ERROR and TIMEOUT; Complete is set
// once at least numRuns runs are terminal.
func Rollup(numRuns int, statuses []domain.RunStatus) Counters {
	c := Counters{Total: len(statuses)}
	for _, s := range statuses {
		if s == domain.RunPassed {
			c.Passed++
		}
		if s.CountsAsFailed() {
			c.Failed++
		}
		if s.IsTerminal() {
			c.Terminal++
		}
	}
	c.Complete = numRuns > 0 && c.Terminal >= numRuns
	return c
}

// Store is what Recompute reads and writes. It must be scoped to a transaction
// that serialises writers, such as *taskstore.Tx.
type Store interface {
	GetTask(ctx context.Context, id int64) (*domain.Task, error)
	ListRunStatuses(ctx context.Context, taskID int64) ([]domain.RunStatus, error)
	UpdateTaskCounters(ctx context.Context, id int64, total, passed, failed int) error
	CompleteTask(ctx context.Context, id int64, now time.Time) (bool, error)
}

// Result reports what a recompute did
type Result struct {
	TaskID   int64
	Counters Counters
	Status   domain.TaskStatus
	// Completed is true only for the call that moved the task to COMPLETED
	Completed bool
}

// Recompute rewrites the task's counters from scratch and completes a
// running task once every run is terminal. Other task statuses are left alone.
func Recompute(ctx context.Context, store Store, taskID int64, now time.Time) (Result, error) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}

	statuses, err := store.ListRunStatuses(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("listing runs of task %d: %w", taskID, err)
	}

	c := Rollup(task.NumRuns, statuses)
	if err := store.UpdateTaskCounters(ctx, taskID, c.Total, c.Passed, c.Failed); err != nil {
		return Result{}, fmt.Errorf("updating counters of task %d: %w", taskID, err)
	}

	res := Result{TaskID: taskID, Counters: c, Status: task.Status}
	if c.Complete && task.Status == domain.TaskRunning {
		changed, err := store.CompleteTask(ctx, taskID, now)
		if err != nil {
			return Result{}, fmt.Errorf("completing task %d: %w", taskID, err)
		}
		if changed {
			res.Status = domain.TaskCompleted
			res.Completed = true
		}
	}
	return res, nil
}
