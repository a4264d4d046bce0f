package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/refs"
	"github.com/loomworks/loom/pkg/api"
)

// stepOutcome is the result of dispatching one step once.
type stepOutcome struct {
	step api.Step

	// res is the final checkpoint when the step settled (success or
	// step failure). nil while suspended.
	res *api.StepResult

	// suspend is the park outcome for sleep/wait steps.
	suspend *api.Outcome

	// err is an internal (infrastructure) error.
	err error
}

// dispatchStep resolves the step's input and runs its action. Steps are
// checkpointed before their action runs; replay of an already-final
// checkpoint never re-executes the action.
func (e *Engine) dispatchStep(ctx context.Context, exec *api.Execution, step api.Step, rctx *refs.Context) stepOutcome {
	resolved, refErrs := refs.ResolveAll(step.Input, rctx)

	now := e.now()
	row, err := e.cfg.Stores.Steps.CreateStepResult(ctx, &api.StepResult{
		ExecutionID: exec.ID,
		StepName:    step.Name,
		Input:       resolved,
		StartedAt:   now,
	})
	if err != nil {
		return stepOutcome{step: step, err: err}
	}
	if row.Final() {
		return stepOutcome{step: step, res: row}
	}
	if row.StartedAt.UnixNano() == now.UnixNano() {
		e.appendMarker(ctx, exec.ID, api.EventStepStarted, step.Name, nil)
	}

	if len(refErrs) > 0 {
		return e.finalizeStep(ctx, exec, step, row, nil, false, refErrs[0].Message)
	}

	switch step.Action.Kind() {
	case api.ActionToolCall:
		return e.runToolStep(ctx, exec, step, row)
	case api.ActionCode:
		return e.runCodeStep(ctx, exec, step, row)
	case api.ActionSleep:
		return e.runSleepStep(ctx, exec, step, row, rctx)
	case api.ActionWaitForSignal:
		return e.runWaitStep(ctx, exec, step, row)
	default:
		return e.finalizeStep(ctx, exec, step, row, nil, false, "step has no valid action")
	}
}

// runAttempts drives the per-step retry loop shared by tool and code
// steps. attempt errors use RetrySpec's flat backoff between tries.
func (e *Engine) runAttempts(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult, invoke func(context.Context) (any, error)) stepOutcome {
	maxAttempts := 1
	var backoff time.Duration
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 0 {
			maxAttempts = step.Retry.MaxAttempts
		}
		backoff = time.Duration(step.Retry.BackoffMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return stepOutcome{step: step, err: err}
		}

		output, err := invoke(ctx)
		if err == nil {
			return e.finalizeStep(ctx, exec, step, row, output, true, "")
		}
		lastErr = err

		if attempt < maxAttempts && backoff > 0 {
			select {
			case <-ctx.Done():
				return stepOutcome{step: step, err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	return e.finalizeStep(ctx, exec, step, row, nil, false, lastErr.Error())
}

func (e *Engine) runToolStep(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult) stepOutcome {
	tool := step.Action.ToolCall
	if e.cfg.Tools == nil {
		return e.finalizeStep(ctx, exec, step, row, nil, false, "no tool invoker configured")
	}
	return e.runAttempts(ctx, exec, step, row, func(ctx context.Context) (any, error) {
		return e.cfg.Tools.Invoke(ctx, tool.ConnectionID, tool.ToolName, row.Input)
	})
}

func (e *Engine) runCodeStep(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult) stepOutcome {
	if e.cfg.Code == nil {
		return e.finalizeStep(ctx, exec, step, row, nil, false, "no code runner configured")
	}
	return e.runAttempts(ctx, exec, step, row, func(ctx context.Context) (any, error) {
		return e.cfg.Code.Run(ctx, step.Action.Code.Source, row.Input)
	})
}

// runSleepStep serves durable sleep. The wake deadline is anchored to
// the checkpoint's StartedAt so it stays stable across redeliveries.
// Short remainders are served in-process; long ones park the execution
// on a timer event and a scheduled redelivery.
func (e *Engine) runSleepStep(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult, rctx *refs.Context) stepOutcome {
	now := e.now()

	// A pending timer delivered at or past its wake time completes the
	// sleep regardless of how the wake deadline was expressed.
	ev, err := e.cfg.Stores.Events.ConsumePending(ctx, exec.ID, api.EventTimer, step.Name, now)
	if err != nil {
		return stepOutcome{step: step, err: err}
	}
	if ev != nil {
		return e.finalizeStep(ctx, exec, step, row, map[string]any{"slept": true}, true, "")
	}

	wakeAt, stepErr := e.sleepDeadline(step, row, rctx)
	if stepErr != "" {
		return e.finalizeStep(ctx, exec, step, row, nil, false, stepErr)
	}

	remaining := wakeAt.Sub(now)
	if remaining <= 0 {
		return e.finalizeStep(ctx, exec, step, row, map[string]any{"slept": true}, true, "")
	}

	if remaining <= e.cfg.InlineSleepThreshold {
		select {
		case <-ctx.Done():
			return stepOutcome{step: step, err: ctx.Err()}
		case <-time.After(remaining):
		}
		return e.finalizeStep(ctx, exec, step, row, map[string]any{"slept": true}, true, "")
	}

	// Park: one durable timer per step, visible at the wake time.
	existing, err := e.cfg.Stores.Events.FindUnconsumed(ctx, exec.ID, api.EventTimer, step.Name)
	if err != nil {
		return stepOutcome{step: step, err: err}
	}
	if existing == nil {
		timer := &api.Event{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Type:        api.EventTimer,
			Name:        step.Name,
			CreatedAt:   now,
			VisibleAt:   &wakeAt,
		}
		if err := e.cfg.Stores.Events.AppendEvent(ctx, timer); err != nil {
			return stepOutcome{step: step, err: err}
		}
	}
	if err := e.cfg.Scheduler.ScheduleAt(ctx, exec.ID, wakeAt, api.ScheduleOptions{}); err != nil {
		return stepOutcome{step: step, err: err}
	}

	e.logger.Infow("Execution sleeping", "execution", exec.ID, "step", step.Name, "wakeAt", wakeAt)
	return stepOutcome{step: step, suspend: &api.Outcome{
		Kind:          api.OutcomeSleeping,
		WakeAtEpochMs: wakeAt.UnixMilli(),
	}}
}

// sleepDeadline computes the absolute wake time for a sleep step. A
// non-empty string return is a step failure message.
func (e *Engine) sleepDeadline(step api.Step, row *api.StepResult, rctx *refs.Context) (time.Time, string) {
	sleep := step.Action.Sleep
	if sleep.DurationMs > 0 {
		return row.StartedAt.Add(time.Duration(sleep.DurationMs) * time.Millisecond), ""
	}

	raw := sleep.WakeAt
	if refs.IsRef(raw) {
		v, err := refs.Resolve(raw, rctx)
		if err != nil {
			return time.Time{}, err.Error()
		}
		s, ok := v.(string)
		if !ok {
			return time.Time{}, fmt.Sprintf("sleep wakeAt ref %s resolved to non-string value", raw)
		}
		raw = s
	}

	wakeAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Sprintf("sleep wakeAt is not a valid RFC 3339 timestamp: %v", err)
	}
	return wakeAt, ""
}

// runWaitStep serves waitForSignal. The timeout window is anchored to
// the checkpoint's StartedAt: the first attempt starts the clock, and
// wall-clock time spent parked counts against it.
func (e *Engine) runWaitStep(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult) stepOutcome {
	wait := step.Action.WaitForSignal
	now := e.now()

	// The window closes before any consume attempt: a signal that
	// arrived after the deadline cannot rescue the step.
	var deadline time.Time
	if wait.TimeoutMs > 0 {
		deadline = row.StartedAt.Add(time.Duration(wait.TimeoutMs) * time.Millisecond)
		if !now.Before(deadline) {
			return e.finalizeStep(ctx, exec, step, row, nil, false,
				fmt.Sprintf("timed out waiting for signal %q", wait.SignalName))
		}
	}

	ev, err := e.cfg.Stores.Events.ConsumePending(ctx, exec.ID, api.EventSignal, wait.SignalName, now)
	if err != nil {
		return stepOutcome{step: step, err: err}
	}
	if ev != nil {
		output := map[string]any{
			"signalName":     wait.SignalName,
			"payload":        ev.Payload,
			"receivedAt":     now.UTC().Format(time.RFC3339Nano),
			"waitDurationMs": now.Sub(row.StartedAt).Milliseconds(),
		}
		return e.finalizeStep(ctx, exec, step, row, output, true, "")
	}

	if wait.TimeoutMs > 0 {
		if err := e.cfg.Scheduler.ScheduleAt(ctx, exec.ID, deadline, api.ScheduleOptions{}); err != nil {
			return stepOutcome{step: step, err: err}
		}
	}

	e.logger.Infow("Execution waiting for signal",
		"execution", exec.ID, "step", step.Name, "signal", wait.SignalName)
	return stepOutcome{step: step, suspend: &api.Outcome{
		Kind:       api.OutcomeWaitingForSignal,
		SignalName: wait.SignalName,
		TimeoutMs:  wait.TimeoutMs,
	}}
}

// finalizeStep writes the step's terminal checkpoint exactly once. If
// another worker finalized first, the stored row is authoritative.
func (e *Engine) finalizeStep(ctx context.Context, exec *api.Execution, step api.Step, row *api.StepResult, output any, hasOutput bool, errMsg string) stepOutcome {
	now := e.now()
	final := &api.StepResult{
		ExecutionID:       exec.ID,
		StepName:          step.Name,
		Input:             row.Input,
		Output:            output,
		HasOutput:         hasOutput,
		Error:             errMsg,
		ExcludeFromOutput: hasOutput && e.cfg.Limits.Exceeded(output),
		StartedAt:         row.StartedAt,
		CompletedAt:       &now,
	}

	err := e.cfg.Stores.Steps.FinalizeStepResult(ctx, final)
	if errors.Is(err, persistence.ErrStepAlreadyFinal) {
		stored, gerr := e.cfg.Stores.Steps.GetStepResult(ctx, exec.ID, step.Name)
		if gerr != nil {
			return stepOutcome{step: step, err: gerr}
		}
		return stepOutcome{step: step, res: stored}
	}
	if err != nil {
		return stepOutcome{step: step, err: err}
	}

	e.appendMarker(ctx, exec.ID, api.EventStepCompleted, step.Name, map[string]any{
		"failed": errMsg != "",
	})
	return stepOutcome{step: step, res: final}
}
