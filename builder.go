package loom

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// Builder provides a fluent API for defining workflows:
//
//	def := loom.NewWorkflow("enrich-lead", "Enrich lead").
//	    ToolCall("Fetch", "crm", "get_lead", map[string]any{"id": "@input.leadId"}).
//	    Code("Score", scoreSource, map[string]any{"lead": "@Fetch.lead"}).
//	    WaitForApproval("Gate", "approved", time.Hour).
//	    Definition()
//
//	if err := rt.Engine.RegisterWorkflow(ctx, def); err != nil {
//	    log.Fatal(err)
//	}
type Builder struct {
	def api.Workflow
}

// NewWorkflow creates a new workflow builder with the given ID and
// display name.
func NewWorkflow(id, name string) *Builder {
	return &Builder{
		def: api.Workflow{
			ID:    id,
			Name:  name,
			Steps: make([]api.Step, 0),
		},
	}
}

// Describe sets the workflow description.
func (b *Builder) Describe(description string) *Builder {
	b.def.Description = description
	return b
}

// Definition returns the built Workflow.
func (b *Builder) Definition() Workflow {
	return b.def
}

func (b *Builder) addStep(name string, action api.Action, input map[string]any) *Builder {
	if name == "" {
		panic("loom: step name must not be empty")
	}
	b.def.Steps = append(b.def.Steps, api.Step{
		Name:   name,
		Action: action,
		Input:  input,
	})
	return b
}

// ToolCall appends a step that invokes an external tool. Input values
// may carry @ref expressions resolved at dispatch time.
func (b *Builder) ToolCall(name, connectionID, toolName string, input map[string]any) *Builder {
	return b.addStep(name, api.Action{
		ToolCall: &api.ToolCallAction{ConnectionID: connectionID, ToolName: toolName},
	}, input)
}

// Code appends a step that runs source in the sandboxed code runner.
func (b *Builder) Code(name, source string, input map[string]any) *Builder {
	return b.addStep(name, api.Action{
		Code: &api.CodeAction{Source: source},
	}, input)
}

// Sleep appends a step that pauses the execution for the given
// duration.
func (b *Builder) Sleep(name string, d time.Duration) *Builder {
	return b.addStep(name, api.Action{
		Sleep: &api.SleepAction{DurationMs: d.Milliseconds()},
	}, nil)
}

// SleepUntil appends a step that pauses until wakeAt, an RFC 3339
// timestamp that may itself be a @ref expression.
func (b *Builder) SleepUntil(name, wakeAt string) *Builder {
	return b.addStep(name, api.Action{
		Sleep: &api.SleepAction{WakeAt: wakeAt},
	}, nil)
}

// WaitForSignal appends a step that parks the execution until the named
// signal arrives. A zero timeout waits forever.
func (b *Builder) WaitForSignal(name, signalName string, timeout time.Duration) *Builder {
	return b.addStep(name, api.Action{
		WaitForSignal: &api.WaitForSignalAction{SignalName: signalName, TimeoutMs: timeout.Milliseconds()},
	}, nil)
}

// Retry attaches a retry policy to the most recently added step.
// maxAttempts includes the first attempt; backoff is the flat delay
// between attempts.
func (b *Builder) Retry(maxAttempts int, backoff time.Duration) *Builder {
	if len(b.def.Steps) == 0 {
		panic("loom: Retry called before any step was added")
	}
	last := &b.def.Steps[len(b.def.Steps)-1]
	switch last.Action.Kind() {
	case api.ActionToolCall, api.ActionCode:
	default:
		panic(fmt.Sprintf("loom: step %q does not support retry", last.Name))
	}
	last.Retry = &api.RetrySpec{
		MaxAttempts: maxAttempts,
		BackoffMs:   backoff.Milliseconds(),
	}
	return b
}

// Trigger declares a child workflow to start when this workflow
// completes. Input refs resolve against {output: <final output>}.
func (b *Builder) Trigger(workflowID string, input map[string]any) *Builder {
	b.def.Triggers = append(b.def.Triggers, api.Trigger{
		WorkflowID: workflowID,
		Input:      input,
	})
	return b
}

// TriggerForEach declares one child execution per element of the array
// that forEach resolves to, with @item and @index bound in the input.
func (b *Builder) TriggerForEach(workflowID, forEach string, input map[string]any) *Builder {
	b.def.Triggers = append(b.def.Triggers, api.Trigger{
		WorkflowID: workflowID,
		ForEach:    forEach,
		Input:      input,
	})
	return b
}

// Register registers the built workflow with the given engine.
func (b *Builder) Register(ctx context.Context, eng Engine) error {
	return eng.RegisterWorkflow(ctx, b.def)
}

// MustRegister is like Register but panics on error. Useful for
// initialization in main().
func (b *Builder) MustRegister(ctx context.Context, eng Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
