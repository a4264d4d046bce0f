package api

import "fmt"

// Workflow is an immutable workflow definition. Step names must be unique
// within a workflow; RegisterWorkflow enforces this via the validator.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Steps       []Step    `json:"steps"`
	Triggers    []Trigger `json:"triggers,omitempty"`
}

// Step is one unit of work in a workflow. Exactly one Action variant must
// be set. Input is an arbitrary JSON mapping whose string leaves may carry
// @ref expressions resolved at dispatch time.
type Step struct {
	Name   string         `json:"name"`
	Action Action         `json:"action"`
	Input  map[string]any `json:"input,omitempty"`

	// Retry applies to tool and code steps only. It governs in-process
	// retries of a single step before the step is recorded as failed,
	// unlike the execution-level BackoffPolicy which governs redelivery
	// of the whole execution.
	Retry *RetrySpec `json:"retry,omitempty"`
}

// ActionKind identifies a step's action variant.
type ActionKind string

const (
	ActionToolCall      ActionKind = "tool_call"
	ActionCode          ActionKind = "code"
	ActionSleep         ActionKind = "sleep"
	ActionWaitForSignal ActionKind = "wait_for_signal"

	// ActionInvalid is reported when zero or more than one variant is set.
	ActionInvalid ActionKind = "invalid"
)

// Action is an exhaustive sum over the four step kinds. Exactly one field
// must be non-nil; Kind reports ActionInvalid otherwise so that dispatch
// and validation can reject malformed steps instead of guessing.
type Action struct {
	ToolCall      *ToolCallAction      `json:"toolCall,omitempty"`
	Code          *CodeAction          `json:"code,omitempty"`
	Sleep         *SleepAction         `json:"sleep,omitempty"`
	WaitForSignal *WaitForSignalAction `json:"waitForSignal,omitempty"`
}

// Kind returns the single configured variant, or ActionInvalid.
func (a Action) Kind() ActionKind {
	var (
		kind ActionKind = ActionInvalid
		n    int
	)
	if a.ToolCall != nil {
		kind = ActionToolCall
		n++
	}
	if a.Code != nil {
		kind = ActionCode
		n++
	}
	if a.Sleep != nil {
		kind = ActionSleep
		n++
	}
	if a.WaitForSignal != nil {
		kind = ActionWaitForSignal
		n++
	}
	if n != 1 {
		return ActionInvalid
	}
	return kind
}

// ToolCallAction invokes an external tool through the ToolInvoker
// collaborator. Tool calls are at-least-once; idempotency is the tool's
// concern.
type ToolCallAction struct {
	ConnectionID string `json:"connectionId"`
	ToolName     string `json:"toolName"`
}

// CodeAction runs source in the sandboxed CodeRunner collaborator.
type CodeAction struct {
	Source string `json:"source"`
}

// SleepAction pauses the execution either for DurationMs or until WakeAt,
// an RFC 3339 timestamp that may itself be a @ref expression. Exactly one
// of the two should be set.
type SleepAction struct {
	DurationMs int64  `json:"durationMs,omitempty"`
	WakeAt     string `json:"wakeAt,omitempty"`
}

// WaitForSignalAction parks the execution until a signal with SignalName
// is delivered. TimeoutMs of zero means wait forever. The timeout is
// measured from the step's first attempt, not from wall-clock blocking.
type WaitForSignalAction struct {
	SignalName string `json:"signalName"`
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
}

// RetrySpec is the per-step retry configuration for tool and code steps.
// MaxAttempts includes the first attempt; BackoffMs is the flat delay
// between attempts.
type RetrySpec struct {
	MaxAttempts int   `json:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs,omitempty"`
}

// Trigger declares a child execution to start when the owning workflow
// completes. Input is resolved against {output: <final workflow output>};
// if any ref fails to resolve the trigger is skipped, never an error.
type Trigger struct {
	WorkflowID string         `json:"workflowId"`
	Input      map[string]any `json:"input,omitempty"`

	// ForEach, when set, is a @ref that must resolve to an array; one
	// child execution is enqueued per element with @item/@index bound.
	ForEach string `json:"forEach,omitempty"`
}

// FindStep returns the step with the given name, or nil.
func (w *Workflow) FindStep(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

func (w *Workflow) String() string {
	return fmt.Sprintf("workflow %s (%d steps, %d triggers)", w.ID, len(w.Steps), len(w.Triggers))
}
