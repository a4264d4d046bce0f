package loom

import (
	"context"
	"errors"
	"testing"
	"time"
)

type echoTools struct{}

func (echoTools) Invoke(ctx context.Context, connectionID, toolName string, args any) (any, error) {
	return map[string]any{"tool": toolName, "args": args}, nil
}

func waitForStatus(t *testing.T, eng Engine, executionID string, want Status) *Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := eng.GetExecution(context.Background(), executionID)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if exec.Status == want {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", executionID, want)
	return nil
}

func TestInMemoryRuntime_EndToEnd(t *testing.T) {
	rt, err := NewInMemoryRuntime(Options{Tools: echoTools{}})
	if err != nil {
		t.Fatalf("NewInMemoryRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	NewWorkflow("greet", "Greet").
		ToolCall("Hello", "conn", "say_hello", map[string]any{"name": "@input.name"}).
		ToolCall("Echo", "conn", "echo", map[string]any{"prev": "@Hello.tool"}).
		MustRegister(ctx, rt.Engine)

	exec, err := rt.Engine.CreateExecution(ctx, "greet", map[string]any{"name": "Ada"}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	done := waitForStatus(t, rt.Engine, exec.ID, StatusCompleted)

	// Terminal output is the last step's output with the refs resolved.
	out, ok := done.Output.(map[string]any)
	if !ok {
		t.Fatalf("unexpected output: %+v", done.Output)
	}
	args, _ := out["args"].(map[string]any)
	if args["prev"] != "say_hello" {
		t.Fatalf("data did not flow between steps: %+v", out)
	}
}

func TestInMemoryRuntime_SignalWakesParkedExecution(t *testing.T) {
	rt, err := NewInMemoryRuntime(Options{Tools: echoTools{}})
	if err != nil {
		t.Fatalf("NewInMemoryRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	NewWorkflow("approval", "Approval").
		WaitForSignal("Gate", "approved", 0).
		MustRegister(ctx, rt.Engine)

	exec, err := rt.Engine.CreateExecution(ctx, "approval", nil, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// The execution parks in running status waiting for the signal.
	waitForStatus(t, rt.Engine, exec.ID, StatusRunning)

	if err := rt.Engine.SendSignal(ctx, exec.ID, "approved", map[string]any{"by": "qa"}); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	waitForStatus(t, rt.Engine, exec.ID, StatusCompleted)
}

func TestSQLiteRuntime_EndToEnd(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	// Every pooled connection would otherwise get its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)

	rt, err := NewSQLiteRuntime(db, Options{Tools: echoTools{}})
	if err != nil {
		t.Fatalf("NewSQLiteRuntime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	NewWorkflow("greet", "Greet").
		ToolCall("Hello", "conn", "say_hello", map[string]any{"name": "@input.name"}).
		MustRegister(ctx, rt.Engine)

	exec, err := rt.Engine.CreateExecution(ctx, "greet", map[string]any{"name": "Ada"}, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	done := waitForStatus(t, rt.Engine, exec.ID, StatusCompleted)

	// History survives in the database: checkpoints and markers are
	// readable after completion.
	results, err := rt.Engine.ListStepResults(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListStepResults: %v", err)
	}
	if len(results) != 1 || !results[0].HasOutput {
		t.Fatalf("missing checkpoint: %+v", results)
	}
	events, err := rt.Engine.ListEvents(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected observability events for %s", done.ID)
	}
}

func TestRuntime_RejectsInvalidDefinition(t *testing.T) {
	rt, err := NewInMemoryRuntime(Options{})
	if err != nil {
		t.Fatalf("NewInMemoryRuntime: %v", err)
	}

	def := NewWorkflow("bad", "Bad").
		ToolCall("A", "c", "t", map[string]any{"x": "@Missing.value"}).
		Definition()

	err = rt.Engine.RegisterWorkflow(context.Background(), def)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(verr.Issues) == 0 {
		t.Fatalf("expected issues in the report")
	}
}
