package api

import "time"

// OutcomeKind discriminates the result of one executor invocation.
// Sleeping and WaitingForSignal are expected control states, not failures:
// they must never populate the execution's error field or count against
// its retry budget.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeCancelled        OutcomeKind = "cancelled"
	OutcomeSleeping         OutcomeKind = "sleeping"
	OutcomeWaitingForSignal OutcomeKind = "waiting_for_signal"
)

// Outcome is the tagged result of ExecuteWorkflow. Suspension is a
// first-class value propagated up through level execution, not an error
// unwinding the call stack.
type Outcome struct {
	Kind OutcomeKind

	// Completed
	Output any

	// Failed
	Error     string
	Retryable bool
	// RetryDelay is the suggested redelivery delay when Retryable is set;
	// the queue consumer is expected to re-enqueue after this long.
	RetryDelay time.Duration

	// Sleeping
	WakeAtEpochMs int64

	// WaitingForSignal
	SignalName string
	TimeoutMs  int64
}

// Suspended reports whether the execution is parked awaiting redelivery.
func (o Outcome) Suspended() bool {
	return o.Kind == OutcomeSleeping || o.Kind == OutcomeWaitingForSignal
}
