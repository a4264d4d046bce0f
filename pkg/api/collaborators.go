package api

import (
	"context"
	"time"
)

// ToolInvoker is the external tool-invocation collaborator: an
// authenticated RPC/proxy channel to a named tool. A returned error marks
// the owning step failed with the error's message. Invocations are
// at-least-once.
type ToolInvoker interface {
	Invoke(ctx context.Context, connectionID, toolName string, args any) (any, error)
}

// CodeCheck is the result of statically validating a code step's source.
type CodeCheck struct {
	Valid       bool
	Error       string
	InputShape  map[string]any
	OutputShape map[string]any
}

// CodeRunner is the sandboxed code-execution collaborator. Run is
// deterministic and time/memory bounded with no network, clock or
// randomness inside; the sandbox enforces that, not this engine.
type CodeRunner interface {
	Run(ctx context.Context, source string, input any) (any, error)

	// Check statically validates source and extracts its declared
	// input/output shape. Used by the workflow validator.
	Check(ctx context.Context, source string) (CodeCheck, error)
}

// ScheduleOptions carries delivery metadata for the scheduler.
type ScheduleOptions struct {
	// Token authorizes the redelivery callback.
	Token string

	// RetryCount is carried through so redeliveries can compute backoff.
	RetryCount int
}

// Scheduler is the abstract durable redelivery primitive, backed by an
// external delayed-message service. Implementations guarantee
// at-least-once delivery to a fixed consumer and cap the maximum
// supported delay; callers needing longer sleeps re-schedule in bounded
// increments.
type Scheduler interface {
	Schedule(ctx context.Context, executionID string, opts ScheduleOptions) error
	ScheduleAfter(ctx context.Context, executionID string, delay time.Duration, opts ScheduleOptions) error
	ScheduleAt(ctx context.Context, executionID string, wakeAt time.Time, opts ScheduleOptions) error
}
