// Package persistence defines the storage contracts for executions, step
// checkpoints, the unified events table, and workflow definitions, plus
// in-memory, SQLite and Postgres implementations.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

var (
	// ErrStepAlreadyFinal is returned by FinalizeStepResult when another
	// worker already finalized the checkpoint. Callers treat the stored
	// row as authoritative and re-read it.
	ErrStepAlreadyFinal = errors.New("step result already finalized")

	// ErrStepResultNotFound is returned when no checkpoint row exists.
	ErrStepResultNotFound = errors.New("step result not found")

	// ErrEventNotFound is returned by GetOutputEvent for unknown keys.
	ErrEventNotFound = errors.New("event not found")
)

// WorkflowStore holds workflow definitions. Definitions are immutable in
// this engine; Save overwrites by ID.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, def api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (api.Workflow, error)
}

// ExecutionStore persists execution rows and implements the lease
// protocol that guarantees single-worker processing per execution.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	UpdateExecution(ctx context.Context, exec *api.Execution) error
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)

	// AcquireLock atomically claims the execution with a fresh lockID and
	// lockedUntil = now + ttl, succeeding when no unexpired lease exists,
	// and returns the current row in the same operation. A held lease
	// yields *api.ContentionError.
	AcquireLock(ctx context.Context, id, lockID string, ttl time.Duration) (*api.Execution, error)

	// ReleaseLock clears the lease only while lockID still matches, so a
	// stale holder can never release a newer holder's lease. Releasing an
	// already-released lease is a no-op.
	ReleaseLock(ctx context.Context, id, lockID string) error

	// ListExpiredLeases returns IDs of pending/running executions whose
	// lease expired before now: crashed workers whose work must be
	// redelivered. This is the engine's sole crash-recovery input.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// StepStore persists step checkpoints.
type StepStore interface {
	// CreateStepResult inserts the row if absent and returns the stored
	// row either way (insert-or-fetch, never blind overwrite), so two
	// workers racing on the same step converge on one snapshot.
	CreateStepResult(ctx context.Context, res *api.StepResult) (*api.StepResult, error)

	// FinalizeStepResult sets output/error/completedAt exactly once;
	// a second finalize returns ErrStepAlreadyFinal.
	FinalizeStepResult(ctx context.Context, res *api.StepResult) error

	GetStepResult(ctx context.Context, executionID, stepName string) (*api.StepResult, error)
	ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error)
}

// EventStore persists the unified events table.
type EventStore interface {
	AppendEvent(ctx context.Context, ev *api.Event) error

	// UpsertOutputEvent writes a type=output event with (executionID,
	// name) upsert semantics: a later set overwrites the same key.
	UpsertOutputEvent(ctx context.Context, ev *api.Event) error

	GetOutputEvent(ctx context.Context, executionID, name string) (*api.Event, error)

	// ConsumePending atomically claims the oldest pending event matching
	// (executionID, type, name) — claim-and-return in one statement — and
	// returns nil when none is pending. Exactly one of any number of
	// concurrent callers wins a given event.
	ConsumePending(ctx context.Context, executionID string, typ api.EventType, name string, now time.Time) (*api.Event, error)

	// FindUnconsumed returns the oldest unconsumed event matching
	// (executionID, type, name) regardless of visibility, or nil. Used by
	// durable sleep to recover its wake-at deadline on redelivery.
	FindUnconsumed(ctx context.Context, executionID string, typ api.EventType, name string) (*api.Event, error)

	ListEvents(ctx context.Context, executionID string) ([]*api.Event, error)
}

// Stores groups the four storage contracts an engine needs.
type Stores struct {
	Workflows  WorkflowStore
	Executions ExecutionStore
	Steps      StepStore
	Events     EventStore
}
