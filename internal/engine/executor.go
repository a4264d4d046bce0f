package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/refs"
	"github.com/loomworks/loom/pkg/api"
)

// ExecuteWorkflow drives one execution forward under a fresh lease. It
// replays checkpointed steps without re-executing them, runs the
// remaining dependency levels, and resolves to a terminal or suspended
// Outcome. A *api.ContentionError means another worker holds the lease.
func (e *Engine) ExecuteWorkflow(ctx context.Context, executionID string) (api.Outcome, error) {
	lockID := uuid.NewString()
	exec, err := e.cfg.Stores.Executions.AcquireLock(ctx, executionID, lockID, e.cfg.LeaseTTL)
	if err != nil {
		return api.Outcome{}, err
	}
	defer func() {
		if err := e.cfg.Stores.Executions.ReleaseLock(context.WithoutCancel(ctx), executionID, lockID); err != nil {
			e.logger.Warnw("Lease release failed", "execution", executionID, "error", err)
		}
	}()

	// Redelivery of an already-settled execution is a no-op.
	if exec.Status.Terminal() {
		return outcomeForStatus(exec), nil
	}

	def, err := e.cfg.Stores.Workflows.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return e.internalFailure(ctx, exec, err)
	}

	if exec.Status == api.StatusPending {
		now := e.now()
		exec.Status = api.StatusRunning
		exec.UpdatedAt = now
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		}
		if err := e.cfg.Stores.Executions.UpdateExecution(ctx, exec); err != nil {
			return e.internalFailure(ctx, exec, err)
		}
		e.appendMarker(ctx, exec.ID, api.EventWorkflowStarted, def.ID, nil)
	}

	outcome, err := e.run(ctx, def, exec)
	if err != nil {
		return e.internalFailure(ctx, exec, err)
	}
	return outcome, nil
}

// run executes remaining levels. The returned error is an internal
// (infrastructure) error; workflow-level failures come back as an
// Outcome.
func (e *Engine) run(ctx context.Context, def api.Workflow, exec *api.Execution) (api.Outcome, error) {
	checkpoints, err := e.cfg.Stores.Steps.ListStepResults(ctx, exec.ID)
	if err != nil {
		return api.Outcome{}, err
	}

	rctx := &refs.Context{Input: exec.Input, Steps: make(map[string]any)}
	for _, cp := range checkpoints {
		if !cp.Final() {
			continue
		}
		if cp.Error != "" {
			// A finally-failed step means this execution already failed;
			// redelivery converges on the same terminal state.
			return e.settleFailed(ctx, exec, fmt.Sprintf("step %s failed: %s", cp.StepName, cp.Error))
		}
		rctx.Steps[cp.StepName] = cp.Output
	}

	levels := plan.Group(def.Steps, e.logger)
	for _, level := range levels {
		// Cancellation is observed at level boundaries; in-flight steps
		// of the previous level have already checkpointed.
		cur, err := e.cfg.Stores.Executions.GetExecution(ctx, exec.ID)
		if err != nil {
			return api.Outcome{}, err
		}
		if cur.Status == api.StatusCancelled {
			e.appendMarker(ctx, exec.ID, api.EventWorkflowCompleted, def.ID, map[string]any{"status": string(api.StatusCancelled)})
			return api.Outcome{Kind: api.OutcomeCancelled}, nil
		}

		var pending []api.Step
		for _, step := range level {
			if _, done := rctx.Steps[step.Name]; !done {
				pending = append(pending, step)
			}
		}
		if len(pending) == 0 {
			continue
		}

		outcomes := make([]stepOutcome, len(pending))
		var wg sync.WaitGroup
		for i, step := range pending {
			wg.Add(1)
			go func(i int, step api.Step) {
				defer wg.Done()
				outcomes[i] = e.dispatchStep(ctx, exec, step, rctx)
			}(i, step)
		}
		wg.Wait()

		// Settle the whole level before deciding: internal errors win,
		// then failures, then suspensions.
		var suspension *api.Outcome
		for _, out := range outcomes {
			if out.err != nil {
				return api.Outcome{}, out.err
			}
		}
		for _, out := range outcomes {
			if out.res != nil && out.res.Error != "" {
				return e.settleFailed(ctx, exec, fmt.Sprintf("step %s failed: %s", out.step.Name, out.res.Error))
			}
		}
		for _, out := range outcomes {
			if out.suspend != nil && suspension == nil {
				suspension = out.suspend
			}
			if out.res != nil {
				rctx.Steps[out.step.Name] = out.res.Output
			}
		}
		if suspension != nil {
			// Status stays running; the lease is released and the
			// scheduler redelivers when the park condition resolves.
			return *suspension, nil
		}
	}

	return e.settleCompleted(ctx, def, exec, rctx)
}

// settleCompleted computes the terminal output, persists the completed
// state and fires triggers.
func (e *Engine) settleCompleted(ctx context.Context, def api.Workflow, exec *api.Execution, rctx *refs.Context) (api.Outcome, error) {
	checkpoints, err := e.cfg.Stores.Steps.ListStepResults(ctx, exec.ID)
	if err != nil {
		return api.Outcome{}, err
	}
	byName := make(map[string]*api.StepResult, len(checkpoints))
	for _, cp := range checkpoints {
		byName[cp.StepName] = cp
	}

	// Terminal output: the last (definition order) step whose output is
	// present and not excluded for size; otherwise a completion summary.
	var output any
	var found bool
	completed := 0
	for _, step := range def.Steps {
		cp := byName[step.Name]
		if cp == nil || !cp.Final() || cp.Error != "" {
			continue
		}
		completed++
		if cp.HasOutput && !cp.ExcludeFromOutput {
			output = cp.Output
			found = true
		}
	}
	if !found {
		output = map[string]any{"completedSteps": completed}
	}

	now := e.now()
	exec.Status = api.StatusCompleted
	exec.Output = output
	exec.Error = ""
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := e.cfg.Stores.Executions.UpdateExecution(ctx, exec); err != nil {
		return api.Outcome{}, err
	}
	e.appendMarker(ctx, exec.ID, api.EventWorkflowCompleted, def.ID, map[string]any{"status": string(api.StatusCompleted)})
	e.logger.Infow("Execution completed", "execution", exec.ID, "workflow", def.ID)

	e.fireTriggers(ctx, def, exec, output, rctx)

	return api.Outcome{Kind: api.OutcomeCompleted, Output: output}, nil
}

// settleFailed persists a non-retryable workflow failure: a step
// exhausted its attempts or could not resolve its input. Infrastructure
// errors never come through here.
func (e *Engine) settleFailed(ctx context.Context, exec *api.Execution, msg string) (api.Outcome, error) {
	now := e.now()
	exec.Status = api.StatusFailed
	exec.Error = msg
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := e.cfg.Stores.Executions.UpdateExecution(ctx, exec); err != nil {
		return api.Outcome{}, err
	}
	e.appendMarker(ctx, exec.ID, api.EventWorkflowCompleted, exec.WorkflowID, map[string]any{
		"status": string(api.StatusFailed),
		"error":  msg,
	})
	e.logger.Warnw("Execution failed", "execution", exec.ID, "error", msg)
	return api.Outcome{Kind: api.OutcomeFailed, Error: msg}, nil
}

// internalFailure handles infrastructure errors (stores, scheduler). The
// execution is returned to pending for redelivery while retry budget
// remains, then failed for good.
func (e *Engine) internalFailure(ctx context.Context, exec *api.Execution, cause error) (api.Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	cur, err := e.cfg.Stores.Executions.GetExecution(ctx, exec.ID)
	if err != nil {
		// Can't even record the failure; surface both to the caller.
		return api.Outcome{}, fmt.Errorf("recording failure %q: %w", cause, err)
	}

	now := e.now()
	cur.RetryCount++
	cur.Error = cause.Error()
	cur.UpdatedAt = now

	if cur.RetryCount > cur.MaxRetries {
		cur.Status = api.StatusFailed
		cur.CompletedAt = &now
		if err := e.cfg.Stores.Executions.UpdateExecution(ctx, cur); err != nil {
			return api.Outcome{}, err
		}
		e.logger.Errorw("Execution failed after exhausting retries",
			"execution", cur.ID, "retries", cur.RetryCount-1, "error", cause)
		return api.Outcome{Kind: api.OutcomeFailed, Error: cause.Error()}, nil
	}

	cur.Status = api.StatusPending
	if err := e.cfg.Stores.Executions.UpdateExecution(ctx, cur); err != nil {
		return api.Outcome{}, err
	}

	delay := api.Backoff(cur.RetryCount-1, e.cfg.Backoff)
	e.logger.Warnw("Execution hit internal error, scheduling retry",
		"execution", cur.ID, "retry", cur.RetryCount, "delay", delay, "error", cause)
	return api.Outcome{
		Kind:       api.OutcomeFailed,
		Error:      cause.Error(),
		Retryable:  true,
		RetryDelay: delay,
	}, nil
}

// appendMarker writes an observability event. Marker failures are logged
// and swallowed; history must never break execution.
func (e *Engine) appendMarker(ctx context.Context, executionID string, typ api.EventType, name string, payload map[string]any) {
	ev := &api.Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        typ,
		Name:        name,
		Payload:     payload,
		CreatedAt:   e.now(),
	}
	consumed := ev.CreatedAt
	ev.ConsumedAt = &consumed // markers are history, never consumable
	if err := e.cfg.Stores.Events.AppendEvent(ctx, ev); err != nil {
		e.logger.Warnw("Observability event append failed", "execution", executionID, "type", typ, "error", err)
	}
}

func outcomeForStatus(exec *api.Execution) api.Outcome {
	switch exec.Status {
	case api.StatusCompleted:
		return api.Outcome{Kind: api.OutcomeCompleted, Output: exec.Output}
	case api.StatusCancelled:
		return api.Outcome{Kind: api.OutcomeCancelled}
	default:
		return api.Outcome{Kind: api.OutcomeFailed, Error: exec.Error}
	}
}
