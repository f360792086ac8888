package domain

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// LogByteBudget caps the log text stored per run
const LogByteBudget = 50000

// Run represents a single execution attempt of a task
type Run struct {
	ID              int64
	TaskID          int64
	RunNumber       int
	Status          RunStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	TestsTotal      int
	TestsPassed     int
	TestsFailed     int
	DurationSeconds *float64
	Logs            string
	ErrorMessage    *string
	RetryCount      int
}

// Outcome is the structured result of one execution backend invocation.
// Error is nil when the backend exited cleanly.
type Outcome struct {
	Success         bool
	Reward          float64
	TestsTotal      int
	TestsPassed     int
	TestsFailed     int
	Logs            string
	Error           *string
	DurationSeconds float64
	TimedOut        bool
}

// Diagnostics returns the error text followed by the logs
func (o *Outcome) Diagnostics() string {
	if o.Error == nil {
		return o.Logs
	}
	return *o.Error + "\n" + o.Logs
}

// JobSpec describes what the execution backend has to run for one run
type JobSpec struct {
	TaskID    int64
	RunID     int64
	RunNumber int
	FilePath  string
	Model     string
	Agent     string
}

// Label returns the identifier used for per-run job directories
func (j JobSpec) Label() string {
	return "task_" + strconv.FormatInt(j.TaskID, 10) + "_run_" + strconv.FormatInt(j.RunID, 10)
}

// TruncateLogs cuts s to at most LogByteBudget bytes without splitting a rune
func TruncateLogs(s string) string {
	if len(s) <= LogByteBudget {
		return s
	}
	cut := LogByteBudget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}
