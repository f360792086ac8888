package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
)

// maxCompletions bounds the in-memory history
const maxCompletions = 10000

// Observer watches run execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	completions []completion
	retries     map[string]int
	busySlots   int
	mu          sync.RWMutex
}

type completion struct {
	TaskID      int64
	RunID       int64
	Status      domain.RunStatus
	Duration    time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted     int            `json:"total_completed" yaml:"total_completed"`
	TotalPassed        int            `json:"total_passed" yaml:"total_passed"`
	TotalFailed        int            `json:"total_failed" yaml:"total_failed"`
	TotalErrors        int            `json:"total_errors" yaml:"total_errors"`
	TotalTimeouts      int            `json:"total_timeouts" yaml:"total_timeouts"`
	TotalRetries       int            `json:"total_retries" yaml:"total_retries"`
	RetriesBySignature map[string]int `json:"retries_by_signature" yaml:"retries_by_signature"`
	BusySlots          int            `json:"busy_slots" yaml:"busy_slots"`
	AvgDuration        time.Duration  `json:"avg_duration_ns" yaml:"avg_duration_ns"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
		retries:        make(map[string]int),
	}
}

// StuckThreshold returns how long a run may stay running before IsStuck reports it
func (o *Observer) StuckThreshold() time.Duration {
	return o.stuckThreshold
}

// IsStuck returns true if a run has been running longer than the threshold
func (o *Observer) IsStuck(run *domain.Run) bool {
	if run.Status != domain.RunRunning {
		return false
	}
	if run.StartedAt == nil {
		return false
	}
	return o.now().Sub(*run.StartedAt) > o.stuckThreshold
}

// RecordCompletion records a run reaching a terminal status
func (o *Observer) RecordCompletion(taskID, runID int64, status domain.RunStatus, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		TaskID:      taskID,
		RunID:       runID,
		Status:      status,
		Duration:    duration,
		CompletedAt: o.now(),
	})
	if len(o.completions) > maxCompletions {
		o.completions = o.completions[len(o.completions)-maxCompletions:]
	}
}

// RecordRetry counts a requeue, keyed by the signature that triggered it
func (o *Observer) RecordRetry(signature string) {
	if signature == "" {
		signature = "unknown"
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[signature]++
}

// SetBusySlots records how many worker slots are executing runs
func (o *Observer) SetBusySlots(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busySlots = n
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		RetriesBySignature: make(map[string]int, len(o.retries)),
		BusySlots:          o.busySlots,
	}
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.TotalCompleted++
		switch c.Status {
		case domain.RunPassed:
			metrics.TotalPassed++
		case domain.RunFailed:
			metrics.TotalFailed++
		case domain.RunError:
			metrics.TotalErrors++
		case domain.RunTimeout:
			metrics.TotalTimeouts++
		}
		totalDuration += c.Duration
	}

	for sig, n := range o.retries {
		metrics.RetriesBySignature[sig] = n
		metrics.TotalRetries += n
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns the IDs of runs finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []int64

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
