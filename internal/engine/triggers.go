package engine

import (
	"context"

	"github.com/loomworks/loom/internal/refs"
	"github.com/loomworks/loom/pkg/api"
)

// fireTriggers enqueues child executions declared by the completed
// workflow. Trigger problems are skip-not-fail: the parent's completed
// status is already settled and never regresses because a child could
// not be started.
func (e *Engine) fireTriggers(ctx context.Context, def api.Workflow, exec *api.Execution, output any, rctx *refs.Context) {
	if len(def.Triggers) == 0 {
		return
	}

	base := &refs.Context{
		Input:     exec.Input,
		Steps:     rctx.Steps,
		Output:    output,
		HasOutput: true,
	}

	for _, tr := range def.Triggers {
		if tr.ForEach == "" {
			e.fireTrigger(ctx, exec, tr, base)
			continue
		}

		v, err := refs.Resolve(tr.ForEach, base)
		if err != nil {
			e.skipTrigger(ctx, exec, tr, "forEach ref did not resolve: "+err.Error())
			continue
		}
		items, ok := v.([]any)
		if !ok {
			e.skipTrigger(ctx, exec, tr, "forEach ref is not an array")
			continue
		}

		for i, item := range items {
			scoped := *base
			scoped.Loop = &refs.LoopScope{Item: item, Index: i}
			e.fireTrigger(ctx, exec, tr, &scoped)
		}
	}
}

// fireTrigger starts one child execution. The input must resolve fully;
// a partial resolution skips the child rather than starting it with
// literal @ref text.
func (e *Engine) fireTrigger(ctx context.Context, exec *api.Execution, tr api.Trigger, rctx *refs.Context) {
	if !refs.CanResolveAll(tr.Input, rctx) {
		e.skipTrigger(ctx, exec, tr, "input did not fully resolve")
		return
	}

	resolved, _ := refs.ResolveAll(tr.Input, rctx)
	input, _ := resolved.(map[string]any)

	child, err := e.CreateExecution(ctx, tr.WorkflowID, input, api.CreateOptions{
		ParentExecutionID: exec.ID,
	})
	if err != nil {
		e.skipTrigger(ctx, exec, tr, "child execution could not be created: "+err.Error())
		return
	}

	e.logger.Infow("Trigger fired",
		"execution", exec.ID, "trigger", tr.WorkflowID, "child", child.ID)
}

// skipTrigger records a skipped trigger in the parent's event history,
// so skips survive beyond the log stream.
func (e *Engine) skipTrigger(ctx context.Context, exec *api.Execution, tr api.Trigger, reason string) {
	e.logger.Warnw("Trigger skipped",
		"execution", exec.ID, "trigger", tr.WorkflowID, "reason", reason)
	e.appendMarker(ctx, exec.ID, api.EventTriggerSkipped, tr.WorkflowID, map[string]any{
		"reason": reason,
	})
}
