package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/api"
)

// backends builds a fresh Stores per named backend so every contract
// test runs against both the in-memory and the SQLite implementation.
func backends(t *testing.T) map[string]Stores {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	// Every pooled connection would otherwise get its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	return map[string]Stores{
		"memory": NewInMemoryStore().Stores(),
		"sqlite": sqliteStore.Stores(),
	}
}

func newExecution(id string) *api.Execution {
	now := time.Now()
	return &api.Execution{
		ID:         id,
		WorkflowID: "wf",
		Status:     api.StatusPending,
		Input:      map[string]any{"city": "Lisbon"},
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: 10,
	}
}

func TestExecutionStore_CreateGetUpdate(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec := newExecution("e1")

			if err := stores.Executions.CreateExecution(ctx, exec); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}

			got, err := stores.Executions.GetExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.Status != api.StatusPending {
				t.Fatalf("expected pending, got %s", got.Status)
			}
			if got.Input["city"] != "Lisbon" {
				t.Fatalf("input did not round-trip: %v", got.Input)
			}
			if got.CompletedAt != nil {
				t.Fatalf("expected nil CompletedAt, got %v", got.CompletedAt)
			}

			got.Status = api.StatusCompleted
			got.Output = map[string]any{"ok": true}
			done := time.Now()
			got.CompletedAt = &done
			got.UpdatedAt = done
			if err := stores.Executions.UpdateExecution(ctx, got); err != nil {
				t.Fatalf("UpdateExecution: %v", err)
			}

			again, err := stores.Executions.GetExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("GetExecution after update: %v", err)
			}
			if again.Status != api.StatusCompleted || again.CompletedAt == nil {
				t.Fatalf("update not persisted: %+v", again)
			}
		})
	}
}

func TestExecutionStore_GetMissing(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := stores.Executions.GetExecution(context.Background(), "nope")
			if !errors.Is(err, api.ErrExecutionNotFound) {
				t.Fatalf("expected ErrExecutionNotFound, got %v", err)
			}
		})
	}
}

func TestExecutionStore_ListFilters(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newExecution("a")
			b := newExecution("b")
			b.WorkflowID = "other"
			c := newExecution("c")
			c.Status = api.StatusCompleted
			for _, e := range []*api.Execution{a, b, c} {
				if err := stores.Executions.CreateExecution(ctx, e); err != nil {
					t.Fatalf("CreateExecution: %v", err)
				}
			}

			byWF, err := stores.Executions.ListExecutions(ctx, api.ExecutionFilter{WorkflowID: "wf"})
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if len(byWF) != 2 {
				t.Fatalf("expected 2 executions for wf, got %d", len(byWF))
			}

			byStatus, err := stores.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusCompleted})
			if err != nil {
				t.Fatalf("ListExecutions: %v", err)
			}
			if len(byStatus) != 1 || byStatus[0].ID != "c" {
				t.Fatalf("expected only c completed, got %+v", byStatus)
			}
		})
	}
}

func TestExecutionStore_LeaseContention(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := stores.Executions.CreateExecution(ctx, newExecution("e1")); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}

			exec, err := stores.Executions.AcquireLock(ctx, "e1", "worker-1", time.Minute)
			if err != nil {
				t.Fatalf("AcquireLock worker-1: %v", err)
			}
			if exec.LockID != "worker-1" {
				t.Fatalf("expected lock held by worker-1, got %q", exec.LockID)
			}

			_, err = stores.Executions.AcquireLock(ctx, "e1", "worker-2", time.Minute)
			var contention *api.ContentionError
			if !errors.As(err, &contention) {
				t.Fatalf("expected ContentionError, got %v", err)
			}
			if contention.ExecutionID != "e1" {
				t.Fatalf("unexpected contention payload: %+v", contention)
			}
		})
	}
}

func TestExecutionStore_ExpiredLeaseIsReacquirable(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := stores.Executions.CreateExecution(ctx, newExecution("e1")); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}

			if _, err := stores.Executions.AcquireLock(ctx, "e1", "worker-1", 10*time.Millisecond); err != nil {
				t.Fatalf("AcquireLock worker-1: %v", err)
			}
			time.Sleep(20 * time.Millisecond)

			exec, err := stores.Executions.AcquireLock(ctx, "e1", "worker-2", time.Minute)
			if err != nil {
				t.Fatalf("AcquireLock worker-2 after expiry: %v", err)
			}
			if exec.LockID != "worker-2" {
				t.Fatalf("expected worker-2 to own lease, got %q", exec.LockID)
			}
		})
	}
}

func TestExecutionStore_StaleReleaseIsNoOp(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := stores.Executions.CreateExecution(ctx, newExecution("e1")); err != nil {
				t.Fatalf("CreateExecution: %v", err)
			}

			if _, err := stores.Executions.AcquireLock(ctx, "e1", "worker-1", 10*time.Millisecond); err != nil {
				t.Fatalf("AcquireLock worker-1: %v", err)
			}
			time.Sleep(20 * time.Millisecond)
			if _, err := stores.Executions.AcquireLock(ctx, "e1", "worker-2", time.Minute); err != nil {
				t.Fatalf("AcquireLock worker-2: %v", err)
			}

			// worker-1's release must not clear worker-2's lease.
			if err := stores.Executions.ReleaseLock(ctx, "e1", "worker-1"); err != nil {
				t.Fatalf("stale ReleaseLock: %v", err)
			}
			exec, err := stores.Executions.GetExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if exec.LockID != "worker-2" {
				t.Fatalf("stale release cleared active lease, lock=%q", exec.LockID)
			}

			if err := stores.Executions.ReleaseLock(ctx, "e1", "worker-2"); err != nil {
				t.Fatalf("ReleaseLock worker-2: %v", err)
			}
			exec, err = stores.Executions.GetExecution(ctx, "e1")
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if exec.LockID != "" {
				t.Fatalf("expected released lease, lock=%q", exec.LockID)
			}
		})
	}
}

func TestExecutionStore_ListExpiredLeases(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			expired := newExecution("expired")
			expired.Status = api.StatusRunning
			active := newExecution("active")
			finished := newExecution("finished")
			finished.Status = api.StatusCompleted
			for _, e := range []*api.Execution{expired, active, finished} {
				if err := stores.Executions.CreateExecution(ctx, e); err != nil {
					t.Fatalf("CreateExecution: %v", err)
				}
			}

			if _, err := stores.Executions.AcquireLock(ctx, "expired", "w1", time.Millisecond); err != nil {
				t.Fatalf("AcquireLock expired: %v", err)
			}
			if _, err := stores.Executions.AcquireLock(ctx, "active", "w2", time.Hour); err != nil {
				t.Fatalf("AcquireLock active: %v", err)
			}
			if _, err := stores.Executions.AcquireLock(ctx, "finished", "w3", time.Millisecond); err != nil {
				t.Fatalf("AcquireLock finished: %v", err)
			}
			time.Sleep(5 * time.Millisecond)

			ids, err := stores.Executions.ListExpiredLeases(ctx, time.Now(), 10)
			if err != nil {
				t.Fatalf("ListExpiredLeases: %v", err)
			}
			if len(ids) != 1 || ids[0] != "expired" {
				t.Fatalf("expected [expired], got %v", ids)
			}
		})
	}
}

func TestStepStore_CreateIsInsertOrFetch(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &api.StepResult{
				ExecutionID: "e1",
				StepName:    "Fetch",
				Input:       map[string]any{"city": "Lisbon"},
				StartedAt:   time.Now(),
			}

			stored, err := stores.Steps.CreateStepResult(ctx, first)
			if err != nil {
				t.Fatalf("CreateStepResult: %v", err)
			}
			if input, _ := stored.Input.(map[string]any); input["city"] != "Lisbon" {
				t.Fatalf("input did not round-trip: %v", stored.Input)
			}

			// Second create must return the existing row, not overwrite.
			second := &api.StepResult{
				ExecutionID: "e1",
				StepName:    "Fetch",
				Input:       map[string]any{"city": "Porto"},
				StartedAt:   time.Now(),
			}
			stored, err = stores.Steps.CreateStepResult(ctx, second)
			if err != nil {
				t.Fatalf("CreateStepResult again: %v", err)
			}
			if input, _ := stored.Input.(map[string]any); input["city"] != "Lisbon" {
				t.Fatalf("second create overwrote stored row: %v", stored.Input)
			}
		})
	}
}

func TestStepStore_FinalizeExactlyOnce(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Now()
			res := &api.StepResult{
				ExecutionID: "e1",
				StepName:    "Fetch",
				StartedAt:   started,
			}
			if _, err := stores.Steps.CreateStepResult(ctx, res); err != nil {
				t.Fatalf("CreateStepResult: %v", err)
			}

			done := time.Now()
			final := &api.StepResult{
				ExecutionID: "e1",
				StepName:    "Fetch",
				Output:      map[string]any{"temp": float64(21)},
				HasOutput:   true,
				StartedAt:   started,
				CompletedAt: &done,
			}
			if err := stores.Steps.FinalizeStepResult(ctx, final); err != nil {
				t.Fatalf("FinalizeStepResult: %v", err)
			}

			if err := stores.Steps.FinalizeStepResult(ctx, final); !errors.Is(err, ErrStepAlreadyFinal) {
				t.Fatalf("expected ErrStepAlreadyFinal on second finalize, got %v", err)
			}

			got, err := stores.Steps.GetStepResult(ctx, "e1", "Fetch")
			if err != nil {
				t.Fatalf("GetStepResult: %v", err)
			}
			if !got.Final() || !got.HasOutput {
				t.Fatalf("expected final checkpoint with output, got %+v", got)
			}
		})
	}
}

func TestStepStore_FinalizeMissing(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			done := time.Now()
			err := stores.Steps.FinalizeStepResult(context.Background(), &api.StepResult{
				ExecutionID: "e1",
				StepName:    "Nope",
				CompletedAt: &done,
			})
			if !errors.Is(err, ErrStepResultNotFound) {
				t.Fatalf("expected ErrStepResultNotFound, got %v", err)
			}
		})
	}
}

func TestEventStore_ConsumePendingOrder(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, id := range []string{"ev1", "ev2"} {
				ev := &api.Event{
					ID:          id,
					ExecutionID: "e1",
					Type:        api.EventSignal,
					Name:        "approval",
					Payload:     map[string]any{"seq": float64(i)},
					CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
				}
				if err := stores.Events.AppendEvent(ctx, ev); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			got, err := stores.Events.ConsumePending(ctx, "e1", api.EventSignal, "approval", time.Now())
			if err != nil {
				t.Fatalf("ConsumePending: %v", err)
			}
			if got == nil || got.ID != "ev1" {
				t.Fatalf("expected oldest event ev1, got %+v", got)
			}

			got, err = stores.Events.ConsumePending(ctx, "e1", api.EventSignal, "approval", time.Now())
			if err != nil {
				t.Fatalf("ConsumePending second: %v", err)
			}
			if got == nil || got.ID != "ev2" {
				t.Fatalf("expected ev2 next, got %+v", got)
			}

			got, err = stores.Events.ConsumePending(ctx, "e1", api.EventSignal, "approval", time.Now())
			if err != nil {
				t.Fatalf("ConsumePending empty: %v", err)
			}
			if got != nil {
				t.Fatalf("expected no pending event, got %+v", got)
			}
		})
	}
}

func TestEventStore_ConsumePendingExactlyOneWinner(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := &api.Event{
				ID:          "ev1",
				ExecutionID: "e1",
				Type:        api.EventSignal,
				Name:        "approval",
				CreatedAt:   time.Now(),
			}
			if err := stores.Events.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}

			const workers = 8
			var wg sync.WaitGroup
			wins := make(chan string, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := stores.Events.ConsumePending(ctx, "e1", api.EventSignal, "approval", time.Now())
					if err != nil {
						t.Errorf("ConsumePending: %v", err)
						return
					}
					if got != nil {
						wins <- got.ID
					}
				}()
			}
			wg.Wait()
			close(wins)

			var winners []string
			for id := range wins {
				winners = append(winners, id)
			}
			if len(winners) != 1 {
				t.Fatalf("expected exactly one winner, got %v", winners)
			}
		})
	}
}

func TestEventStore_VisibleAtGatesPending(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			wakeAt := time.Now().Add(time.Hour)
			ev := &api.Event{
				ID:          "timer1",
				ExecutionID: "e1",
				Type:        api.EventTimer,
				Name:        "Pause",
				CreatedAt:   time.Now(),
				VisibleAt:   &wakeAt,
			}
			if err := stores.Events.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}

			got, err := stores.Events.ConsumePending(ctx, "e1", api.EventTimer, "Pause", time.Now())
			if err != nil {
				t.Fatalf("ConsumePending before visibility: %v", err)
			}
			if got != nil {
				t.Fatalf("timer consumed before visible: %+v", got)
			}

			// Recoverable before visibility for wake-at rebuilds.
			found, err := stores.Events.FindUnconsumed(ctx, "e1", api.EventTimer, "Pause")
			if err != nil {
				t.Fatalf("FindUnconsumed: %v", err)
			}
			if found == nil || found.ID != "timer1" {
				t.Fatalf("expected unconsumed timer, got %+v", found)
			}
			if found.VisibleAt == nil || found.VisibleAt.UnixNano() != wakeAt.UnixNano() {
				t.Fatalf("wake-at did not round-trip: %v vs %v", found.VisibleAt, wakeAt)
			}

			got, err = stores.Events.ConsumePending(ctx, "e1", api.EventTimer, "Pause", wakeAt.Add(time.Second))
			if err != nil {
				t.Fatalf("ConsumePending after visibility: %v", err)
			}
			if got == nil || got.ID != "timer1" {
				t.Fatalf("expected timer after wake-at, got %+v", got)
			}
		})
	}
}

func TestEventStore_OutputUpsert(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := &api.Event{
				ID:          "o1",
				ExecutionID: "e1",
				Type:        api.EventOutput,
				Name:        "report",
				Payload:     map[string]any{"v": float64(1)},
				CreatedAt:   time.Now(),
			}
			if err := stores.Events.UpsertOutputEvent(ctx, first); err != nil {
				t.Fatalf("UpsertOutputEvent: %v", err)
			}

			second := &api.Event{
				ID:          "o2",
				ExecutionID: "e1",
				Type:        api.EventOutput,
				Name:        "report",
				Payload:     map[string]any{"v": float64(2)},
				CreatedAt:   time.Now(),
			}
			if err := stores.Events.UpsertOutputEvent(ctx, second); err != nil {
				t.Fatalf("UpsertOutputEvent overwrite: %v", err)
			}

			got, err := stores.Events.GetOutputEvent(ctx, "e1", "report")
			if err != nil {
				t.Fatalf("GetOutputEvent: %v", err)
			}
			payload, ok := got.Payload.(map[string]any)
			if !ok || payload["v"] != float64(2) {
				t.Fatalf("expected overwritten payload, got %+v", got.Payload)
			}

			events, err := stores.Events.ListEvents(ctx, "e1")
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("upsert created a second row: %d events", len(events))
			}
		})
	}
}

func TestEventStore_GetOutputEventMissing(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := stores.Events.GetOutputEvent(context.Background(), "e1", "nope")
			if !errors.Is(err, ErrEventNotFound) {
				t.Fatalf("expected ErrEventNotFound, got %v", err)
			}
		})
	}
}

func TestWorkflowStore_RoundTrip(t *testing.T) {
	for name, stores := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			def := api.Workflow{
				ID:   "wf",
				Name: "Weather report",
				Steps: []api.Step{
					{
						Name:   "Fetch",
						Action: api.Action{ToolCall: &api.ToolCallAction{ConnectionID: "c1", ToolName: "get_weather"}},
						Input:  map[string]any{"city": "@input.city"},
					},
				},
			}
			if err := stores.Workflows.SaveWorkflow(ctx, def); err != nil {
				t.Fatalf("SaveWorkflow: %v", err)
			}

			got, err := stores.Workflows.GetWorkflow(ctx, "wf")
			if err != nil {
				t.Fatalf("GetWorkflow: %v", err)
			}
			if got.Name != "Weather report" || len(got.Steps) != 1 {
				t.Fatalf("definition did not round-trip: %+v", got)
			}
			if got.Steps[0].Action.Kind() != api.ActionToolCall {
				t.Fatalf("action kind lost: %+v", got.Steps[0].Action)
			}

			_, err = stores.Workflows.GetWorkflow(ctx, "missing")
			if !errors.Is(err, api.ErrWorkflowNotFound) {
				t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
			}
		})
	}
}
