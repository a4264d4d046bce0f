package worker

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

type stubTools struct {
	handler func(connectionID, toolName string, args any) (any, error)
}

func (s *stubTools) Invoke(ctx context.Context, connectionID, toolName string, args any) (any, error) {
	if s.handler != nil {
		return s.handler(connectionID, toolName, args)
	}
	return map[string]any{"tool": toolName}, nil
}

type rig struct {
	engine *engine.Engine
	worker *Worker
	queue  *taskqueue.InMemoryQueue
	store  *persistence.InMemoryStore
}

func newRig(t *testing.T, tools api.ToolInvoker) *rig {
	t.Helper()

	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue()

	eng, err := engine.New(engine.Config{
		Stores:    store.Stores(),
		Scheduler: scheduler.NewQueueScheduler(queue, 0),
		Tools:     tools,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	w := New(Config{
		Engine: eng,
		Queue:  queue,
		Leases: store,
	})
	w.ContentionDelay = 10 * time.Millisecond

	return &rig{engine: eng, worker: w, queue: queue, store: store}
}

func pingWorkflow() api.Workflow {
	return api.Workflow{
		ID:   "ping",
		Name: "Ping",
		Steps: []api.Step{
			{Name: "Ping", Action: api.Action{ToolCall: &api.ToolCallAction{ConnectionID: "c", ToolName: "ping"}}},
		},
	}
}

func TestProcessOne_DrivesExecutionToCompletion(t *testing.T) {
	r := newRig(t, &stubTools{})
	ctx := context.Background()

	if err := r.engine.RegisterWorkflow(ctx, pingWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	exec, err := r.engine.CreateExecution(ctx, "ping", nil, api.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// CreateExecution enqueued the delivery; one ProcessOne finishes it.
	processed, err := r.worker.ProcessOne(ctx)
	if err != nil || !processed {
		t.Fatalf("ProcessOne: processed=%v err=%v", processed, err)
	}

	got, err := r.engine.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestProcessOne_ContentionRequeues(t *testing.T) {
	r := newRig(t, &stubTools{})
	ctx := context.Background()

	if err := r.engine.RegisterWorkflow(ctx, pingWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	exec, err := r.engine.CreateExecution(ctx, "ping", nil, api.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// Simulate another worker holding the lease.
	if _, err := r.store.AcquireLock(ctx, exec.ID, "other", 50*time.Millisecond); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if _, err := r.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne under contention: %v", err)
	}
	if r.queue.Len() != 1 {
		t.Fatalf("contention must re-enqueue the task, queue len %d", r.queue.Len())
	}

	// After the foreign lease expires, the redelivered task completes.
	time.Sleep(60 * time.Millisecond)
	if _, err := r.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne retry: %v", err)
	}
	got, _ := r.engine.GetExecution(ctx, exec.ID)
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected completed after contention retry, got %s", got.Status)
	}
}

func TestProcessOne_SuspendedExecutionResumesViaQueue(t *testing.T) {
	r := newRig(t, &stubTools{})
	ctx := context.Background()

	def := api.Workflow{
		ID:   "gate",
		Name: "Gate",
		Steps: []api.Step{
			{
				Name:   "Gate",
				Action: api.Action{WaitForSignal: &api.WaitForSignalAction{SignalName: "go"}},
			},
		},
	}
	if err := r.engine.RegisterWorkflow(ctx, def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	exec, err := r.engine.CreateExecution(ctx, "gate", nil, api.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// First delivery parks the execution.
	if _, err := r.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	got, _ := r.engine.GetExecution(ctx, exec.ID)
	if got.Status != api.StatusRunning {
		t.Fatalf("expected parked running execution, got %s", got.Status)
	}

	// The signal wakes it through the scheduler-backed queue.
	if err := r.engine.SendSignal(ctx, exec.ID, "go", "payload"); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}
	if _, err := r.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne after signal: %v", err)
	}
	got, _ = r.engine.GetExecution(ctx, exec.ID)
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected completed after signal, got %s", got.Status)
	}
}

func TestRecoverExpired_RequeuesAbandonedExecutions(t *testing.T) {
	r := newRig(t, &stubTools{})
	ctx := context.Background()

	if err := r.engine.RegisterWorkflow(ctx, pingWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	exec, err := r.engine.CreateExecution(ctx, "ping", nil, api.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// Drain the create-time delivery, then crash mid-run: a lease that
	// was never released and a task that is gone.
	if _, err := r.queue.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := r.store.AcquireLock(ctx, exec.ID, "crashed-worker", time.Millisecond); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := r.worker.RecoverExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("RecoverExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered execution, got %d", n)
	}

	if _, err := r.worker.ProcessOne(ctx); err != nil {
		t.Fatalf("ProcessOne after recovery: %v", err)
	}
	got, _ := r.engine.GetExecution(ctx, exec.ID)
	if got.Status != api.StatusCompleted {
		t.Fatalf("expected completed after recovery, got %s", got.Status)
	}
}
