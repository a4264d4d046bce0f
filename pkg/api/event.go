package api

import "time"

// EventType discriminates rows in the unified events table. Signals,
// timers, inter-workflow messages, published outputs and observability
// markers all share one table and one pending/consume lifecycle.
type EventType string

const (
	EventSignal  EventType = "signal"
	EventTimer   EventType = "timer"
	EventMessage EventType = "message"
	EventOutput  EventType = "output"

	// Observability markers appended by the executor. They are never
	// consumed; they exist for history queries.
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventTriggerSkipped    EventType = "trigger_skipped"
)

// Event is one row of the unified events table.
//
// An event is pending iff ConsumedAt is nil and (VisibleAt is nil or
// VisibleAt <= now). For EventOutput, (ExecutionID, Name) is unique with
// upsert semantics: a later SetEvent overwrites the same key.
type Event struct {
	ID          string
	ExecutionID string
	Type        EventType
	Name        string
	Payload     any
	CreatedAt   time.Time
	VisibleAt   *time.Time
	ConsumedAt  *time.Time

	// SourceExecutionID is set for inter-workflow messages.
	SourceExecutionID string
}

// Pending reports whether the event is visible and unconsumed at now.
func (e *Event) Pending(now time.Time) bool {
	if e.ConsumedAt != nil {
		return false
	}
	return e.VisibleAt == nil || !e.VisibleAt.After(now)
}
