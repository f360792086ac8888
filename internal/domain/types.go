package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
	RunTimeout RunStatus = "timeout"
)

// TerminalRunStatuses lists the statuses from which no automatic transition occurs
var TerminalRunStatuses = []RunStatus{RunPassed, RunFailed, RunError, RunTimeout}

// IsTerminal returns true for PASSED, FAILED, ERROR and TIMEOUT
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunPassed, RunFailed, RunError, RunTimeout:
		return true
	}
	return false
}

// CountsAsFailed returns true for every terminal status except PASSED
func (s RunStatus) CountsAsFailed() bool {
	return s.IsTerminal() && s != RunPassed
}

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	return s == RunPending || s == RunRunning || s.IsTerminal()
}
