package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrExecutionNotFound is returned when an execution ID is unknown.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrWorkflowNotFound is returned when a workflow ID is unknown.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ContentionError is returned when a worker races another unexpired lease
// holder for the same execution (or the same consumable event). It is a
// retryable condition for the caller, never a workflow failure.
type ContentionError struct {
	ExecutionID string
	LockedUntil time.Time
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("execution %s is locked until %s", e.ExecutionID, e.LockedUntil.Format(time.RFC3339))
}

// IsContention reports whether err is a ContentionError.
func IsContention(err error) bool {
	var c *ContentionError
	return errors.As(err, &c)
}
