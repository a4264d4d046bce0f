package api

import "context"

// ExecutionFilter selects executions from ListExecutions. Zero values
// mean "no filter" for that field.
type ExecutionFilter struct {
	WorkflowID string
	Status     Status
}

// CreateOptions tunes CreateExecution.
type CreateOptions struct {
	// ParentExecutionID links a child spawned by a trigger to the firing
	// execution.
	ParentExecutionID string

	// MaxRetries overrides the backoff policy's retry budget for this
	// execution. Zero keeps the policy default.
	MaxRetries int
}

// Engine is the durable workflow orchestration API. One execution is
// processed by at most one worker at a time (lease-enforced); many
// executions run concurrently across workers.
type Engine interface {
	// RegisterWorkflow validates and stores a workflow definition.
	// Validation failures are returned as a *ValidationError carrying the
	// full structured report.
	RegisterWorkflow(ctx context.Context, def Workflow) error

	// GetWorkflow returns a registered definition.
	GetWorkflow(ctx context.Context, workflowID string) (Workflow, error)

	// CreateExecution inserts a pending execution to be picked up by the
	// queue consumer. It does not run anything.
	CreateExecution(ctx context.Context, workflowID string, input map[string]any, opts CreateOptions) (*Execution, error)

	// ExecuteWorkflow is the unit of work invoked by the queue consumer
	// on delivery. It acquires the execution lease, replays checkpointed
	// steps, runs remaining levels, and resolves to a terminal or
	// suspended Outcome. A *ContentionError means another worker holds
	// the lease; redeliver later.
	ExecuteWorkflow(ctx context.Context, executionID string) (Outcome, error)

	// SendSignal appends a one-time-consumable signal event and wakes the
	// target execution via the scheduler.
	SendSignal(ctx context.Context, executionID, name string, payload any) error

	// SendMessage appends an inter-workflow message event on the target
	// execution, recording the source, and wakes the target.
	SendMessage(ctx context.Context, sourceExecutionID, targetExecutionID, topic string, payload any) error

	// SetEvent upserts a published output event keyed by (executionID,
	// key) and wakes the execution. GetEvent reads it back without waking
	// anyone.
	SetEvent(ctx context.Context, executionID, key string, value any) error
	GetEvent(ctx context.Context, executionID, key string) (any, error)

	// CancelExecution requests cooperative cancellation. A running
	// execution observes it at the next level boundary; in-flight steps
	// are allowed to finish.
	CancelExecution(ctx context.Context, executionID string) error

	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// ListEvents returns the execution's full event history, including
	// observability markers.
	ListEvents(ctx context.Context, executionID string) ([]*Event, error)

	// ListStepResults returns the execution's step checkpoints.
	ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)
}
