package engine

import (
	"context"
	"testing"

	"github.com/loomworks/loom/pkg/api"
)

func childWorkflow() api.Workflow {
	return api.Workflow{
		ID:   "notify",
		Name: "Notify",
		Steps: []api.Step{
			{Name: "Send", Action: api.Action{ToolCall: &api.ToolCallAction{ConnectionID: "c", ToolName: "send"}}},
		},
	}
}

func TestTriggers_ChildExecutionCreated(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.handler = func(connectionID, toolName string, args any) (any, error) {
		if toolName == "get_weather" {
			return map[string]any{"temp": float64(21)}, nil
		}
		return map[string]any{"report": "sunny"}, nil
	}

	parent := weatherWorkflow()
	parent.Triggers = []api.Trigger{
		{WorkflowID: "notify", Input: map[string]any{"report": "@output.report"}},
	}
	rig.register(t, parent)
	rig.register(t, childWorkflow())

	exec := rig.create(t, "weather-report", map[string]any{"city": "Lisbon"})
	if outcome := rig.execute(t, exec.ID); outcome.Kind != api.OutcomeCompleted {
		t.Fatalf("parent did not complete: %+v", outcome)
	}

	children, err := rig.engine.ListExecutions(context.Background(), api.ExecutionFilter{WorkflowID: "notify"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected one child execution, got %d", len(children))
	}
	child := children[0]
	if child.ParentExecutionID != exec.ID {
		t.Fatalf("child not linked to parent: %+v", child)
	}
	if child.Status != api.StatusPending {
		t.Fatalf("child must be enqueued, not run inline: %+v", child)
	}
	if child.Input["report"] != "sunny" {
		t.Fatalf("trigger input not resolved against output: %+v", child.Input)
	}
}

func TestTriggers_ForEachFansOut(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.handler = func(connectionID, toolName string, args any) (any, error) {
		if toolName == "get_weather" {
			return map[string]any{"temp": float64(21)}, nil
		}
		return map[string]any{
			"cities": []any{"Lisbon", "Porto", "Faro"},
		}, nil
	}

	parent := weatherWorkflow()
	parent.Triggers = []api.Trigger{
		{
			WorkflowID: "notify",
			ForEach:    "@output.cities",
			Input: map[string]any{
				"city": "@item",
				"rank": "@index",
			},
		},
	}
	rig.register(t, parent)
	rig.register(t, childWorkflow())

	exec := rig.create(t, "weather-report", map[string]any{"city": "all"})
	if outcome := rig.execute(t, exec.ID); outcome.Kind != api.OutcomeCompleted {
		t.Fatalf("parent did not complete: %+v", outcome)
	}

	children, err := rig.engine.ListExecutions(context.Background(), api.ExecutionFilter{WorkflowID: "notify"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}

	seen := map[string]bool{}
	for _, child := range children {
		city, _ := child.Input["city"].(string)
		seen[city] = true
		if _, ok := child.Input["rank"].(int); !ok {
			t.Fatalf("@index not bound as number: %+v", child.Input)
		}
	}
	for _, city := range []string{"Lisbon", "Porto", "Faro"} {
		if !seen[city] {
			t.Fatalf("missing child for %s: %v", city, seen)
		}
	}
}

func TestTriggers_SkipNotFail(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.handler = func(connectionID, toolName string, args any) (any, error) {
		if toolName == "get_weather" {
			return map[string]any{"temp": float64(21)}, nil
		}
		return map[string]any{"report": "sunny"}, nil
	}

	parent := weatherWorkflow()
	parent.Triggers = []api.Trigger{
		// Unregistered child workflow.
		{WorkflowID: "ghost", Input: map[string]any{"x": "@output.report"}},
		// forEach ref resolving to a non-array.
		{WorkflowID: "notify", ForEach: "@output.report"},
		// Healthy trigger fires regardless of its broken siblings.
		{WorkflowID: "notify", Input: map[string]any{"report": "@output.report"}},
	}
	rig.register(t, parent)
	rig.register(t, childWorkflow())

	exec := rig.create(t, "weather-report", map[string]any{"city": "Lisbon"})
	outcome := rig.execute(t, exec.ID)
	if outcome.Kind != api.OutcomeCompleted {
		t.Fatalf("trigger problems must not fail the parent: %+v", outcome)
	}

	got, _ := rig.engine.GetExecution(context.Background(), exec.ID)
	if got.Status != api.StatusCompleted {
		t.Fatalf("parent status regressed: %+v", got)
	}

	children, _ := rig.engine.ListExecutions(context.Background(), api.ExecutionFilter{WorkflowID: "notify"})
	if len(children) != 1 {
		t.Fatalf("expected exactly the healthy trigger to fire, got %d children", len(children))
	}

	// Both skips are recorded in the parent's event history, not only
	// in the logs.
	skipped := map[string]bool{}
	events, _ := rig.engine.ListEvents(context.Background(), exec.ID)
	for _, ev := range events {
		if ev.Type == api.EventTriggerSkipped {
			skipped[ev.Name] = true
		}
	}
	if !skipped["ghost"] || !skipped["notify"] || len(skipped) != 2 {
		t.Fatalf("expected skip events for ghost and notify, got %v", skipped)
	}
}

func TestTriggers_UnresolvableInputSkipsChild(t *testing.T) {
	rig := newTestRig(t)
	rig.tools.handler = func(connectionID, toolName string, args any) (any, error) {
		if toolName == "get_weather" {
			return map[string]any{"temp": float64(21)}, nil
		}
		return map[string]any{"report": "sunny"}, nil
	}

	parent := weatherWorkflow()
	parent.Triggers = []api.Trigger{
		{WorkflowID: "notify", Input: map[string]any{"missing": "@output.nope.deep"}},
	}
	rig.register(t, parent)
	rig.register(t, childWorkflow())

	exec := rig.create(t, "weather-report", map[string]any{"city": "Lisbon"})
	if outcome := rig.execute(t, exec.ID); outcome.Kind != api.OutcomeCompleted {
		t.Fatalf("parent did not complete: %+v", outcome)
	}

	children, _ := rig.engine.ListExecutions(context.Background(), api.ExecutionFilter{WorkflowID: "notify"})
	if len(children) != 0 {
		t.Fatalf("unresolvable trigger input must skip the child, got %d", len(children))
	}

	var recorded *api.Event
	events, _ := rig.engine.ListEvents(context.Background(), exec.ID)
	for _, ev := range events {
		if ev.Type == api.EventTriggerSkipped {
			recorded = ev
		}
	}
	if recorded == nil || recorded.Name != "notify" {
		t.Fatalf("skip not recorded in event history: %+v", recorded)
	}
}
