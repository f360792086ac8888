package domain

import "errors"

var (
	// ErrInvalidTransition is returned when a run or task is not in the source
	// state an operation requires. Workers treat it as a duplicate delivery.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned when a task or run does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyStarted is returned by StartTask for a task that is not pending
	ErrAlreadyStarted = errors.New("task already started")

	// ErrNotRetryable is returned by RetryTask unless the task is completed or failed
	ErrNotRetryable = errors.New("task must be completed or failed to retry")

	// ErrEnqueue marks a run that could not be handed to the execution queue
	ErrEnqueue = errors.New("enqueue failed")

	// ErrInvalidTask is returned when a task definition fails validation
	ErrInvalidTask = errors.New("invalid task")
)
