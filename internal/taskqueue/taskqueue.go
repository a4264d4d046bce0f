// Package taskqueue delivers execution work items to workers. A task is
// a pointer to an execution, never the work itself; all durable state
// lives in persistence, so a lost task is recoverable and a duplicated
// task is harmless thanks to the lease protocol.
package taskqueue

import (
	"context"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeRunExecution asks a worker to drive the referenced
	// execution forward until it completes or suspends.
	TaskTypeRunExecution TaskType = "run-execution"
)

// Task represents a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// ExecutionID references the execution to drive.
	ExecutionID string

	// Token carries opaque scheduling context, echoed back on delivery.
	Token string

	// RetryCount is the retry attempt this delivery corresponds to.
	RetryCount int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task is eligible for delivery.
	// Zero means immediately. Timers and retry backoff both ride on it.
	NotBefore time.Time
}

// Queue is the delivery channel between scheduler and workers.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task, blocking until
	// one is available or the context is cancelled. Tasks whose
	// NotBefore lies in the future are not delivered early.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued.
	Len() int
}
