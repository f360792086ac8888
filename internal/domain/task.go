package domain

import (
	"fmt"
	"time"
)

// Task is a user-submitted benchmark task requesting NumRuns independent
// executions of the same job definition
type Task struct {
	ID               int64
	Name             string
	Description      string
	OriginalFilename string
	FilePath         string
	FileSize         int64
	Model            string
	Agent            string
	Harness          string
	NumRuns          int
	Status           TaskStatus
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	TotalRuns        int
	PassedRuns       int
	FailedRuns       int
}

// Validate checks the fields a task needs before it is stored.
// maxRuns <= 0 disables the upper bound.
func (t *Task) Validate(maxRuns int) error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if t.FilePath == "" {
		return fmt.Errorf("%w: job definition path is required", ErrInvalidTask)
	}
	if t.Agent == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalidTask)
	}
	if t.NumRuns < 1 {
		return fmt.Errorf("%w: num_runs must be at least 1", ErrInvalidTask)
	}
	if maxRuns > 0 && t.NumRuns > maxRuns {
		return fmt.Errorf("%w: num_runs %d exceeds limit %d", ErrInvalidTask, t.NumRuns, maxRuns)
	}
	return nil
}

// CanStart returns true if the task may create and dispatch its runs
func (t *Task) CanStart() bool {
	return t.Status == TaskPending
}

// CanRetry returns true if the task may be reset for another attempt
func (t *Task) CanRetry() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// PendingRuns is the number of runs not yet counted as passed or failed
func (t *Task) PendingRuns() int {
	n := t.TotalRuns - t.PassedRuns - t.FailedRuns
	if n < 0 {
		return 0
	}
	return n
}

// PassRate returns passed/total as a fraction, 0 when no runs exist
func (t *Task) PassRate() float64 {
	if t.TotalRuns == 0 {
		return 0
	}
	return float64(t.PassedRuns) / float64(t.TotalRuns)
}
