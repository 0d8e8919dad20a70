package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a task id is unknown
	ErrNotFound = errors.New("task not found")

	// ErrSynchronousTimeout is returned with the current status when a
	// synchronous submission stops waiting. The task keeps running.
	ErrSynchronousTimeout = errors.New("timed out waiting for task to complete")

	// ErrStopped is returned by components that have been shut down
	ErrStopped = errors.New("coordinator stopped")

	// ErrNotAwaiting is returned when an external completion names a task
	// that is not waiting for one
	ErrNotAwaiting = errors.New("task is not awaiting external completion")
)

// ValidationError reports a malformed work item
type ValidationError struct {
	TaskID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("invalid work item %s: %s: %s", e.TaskID, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid work item: %s: %s", e.Field, e.Message)
}

// RejectedError is returned when admission control rejects a submission
// outright. Reasons names the resources and tasks that caused it.
type RejectedError struct {
	TaskID  string
	Reasons []Reason
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("call %s rejected: %s", e.TaskID, strings.Join(parts, "; "))
}
