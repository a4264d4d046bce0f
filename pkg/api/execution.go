package api

import "time"

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is one run instance of a workflow.
//
// Lease fields: at most one active lease exists at a time. A lease whose
// LockedUntil is in the past is abandoned and eligible for reclaim by the
// recovery sweep; there is no heartbeat renewal within a single run.
type Execution struct {
	ID                string
	WorkflowID        string
	Status            Status
	Input             map[string]any
	Output            any
	ParentExecutionID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	LockID      string
	LockedUntil *time.Time

	RetryCount int
	MaxRetries int
	Error      string
}

// StepResult is the checkpoint row for one step of one execution, keyed by
// (ExecutionID, StepName). Input holds the resolved snapshot actually used,
// not the raw template, so replay stays input-stable even if the workflow
// definition later changes.
//
// Once CompletedAt is set and HasOutput is true the result is immutable and
// authoritative for replay: the step must never re-execute its action.
type StepResult struct {
	ExecutionID string
	StepName    string
	Input       any
	Output      any
	HasOutput   bool
	Error       string

	// ExcludeFromOutput marks large outputs that stay queryable per step
	// but never become the workflow's terminal output.
	ExcludeFromOutput bool

	StartedAt   time.Time
	CompletedAt *time.Time
}

// Final reports whether this checkpoint is authoritative for replay.
// A failed step (CompletedAt set, Error non-empty) is final too.
func (r *StepResult) Final() bool {
	return r.CompletedAt != nil && (r.HasOutput || r.Error != "")
}

