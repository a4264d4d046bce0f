package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sq, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}

	return map[string]Queue{
		"memory": NewInMemoryQueue(),
		"sqlite": sq,
	}
}

func TestQueue_FIFOAmongEligible(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"t1", "t2", "t3"} {
				err := q.Enqueue(ctx, Task{
					ID:          id,
					Type:        TaskTypeRunExecution,
					ExecutionID: "e-" + id,
				})
				if err != nil {
					t.Fatalf("Enqueue %s: %v", id, err)
				}
				// Distinct enqueue instants keep the order deterministic.
				time.Sleep(time.Millisecond)
			}

			if q.Len() != 3 {
				t.Fatalf("expected Len 3, got %d", q.Len())
			}

			for _, want := range []string{"t1", "t2", "t3"} {
				task, err := q.Dequeue(ctx)
				if err != nil {
					t.Fatalf("Dequeue: %v", err)
				}
				if task.ID != want {
					t.Fatalf("expected %s, got %s", want, task.ID)
				}
			}
		})
	}
}

func TestQueue_NotBeforeDelaysDelivery(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := q.Enqueue(ctx, Task{
				ID:          "delayed",
				Type:        TaskTypeRunExecution,
				ExecutionID: "e1",
				NotBefore:   time.Now().Add(60 * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("Enqueue delayed: %v", err)
			}
			err = q.Enqueue(ctx, Task{
				ID:          "immediate",
				Type:        TaskTypeRunExecution,
				ExecutionID: "e2",
			})
			if err != nil {
				t.Fatalf("Enqueue immediate: %v", err)
			}

			start := time.Now()
			first, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue first: %v", err)
			}
			if first.ID != "immediate" {
				t.Fatalf("expected immediate task first, got %s", first.ID)
			}

			second, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue second: %v", err)
			}
			if second.ID != "delayed" {
				t.Fatalf("expected delayed task second, got %s", second.ID)
			}
			if time.Since(start) < 50*time.Millisecond {
				t.Fatalf("delayed task delivered too early after %v", time.Since(start))
			}
		})
	}
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := q.Dequeue(ctx)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected DeadlineExceeded, got %v", err)
			}
		})
	}
}

func TestQueue_RetryMetadataRoundTrips(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := q.Enqueue(ctx, Task{
				ID:          "t1",
				Type:        TaskTypeRunExecution,
				ExecutionID: "e1",
				Token:       "lease-token",
				RetryCount:  3,
			})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}

			task, err := q.Dequeue(ctx)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if task.ExecutionID != "e1" || task.Token != "lease-token" || task.RetryCount != 3 {
				t.Fatalf("metadata did not round-trip: %+v", task)
			}
			if task.EnqueuedAt.IsZero() || task.NotBefore.IsZero() {
				t.Fatalf("expected defaulted timestamps, got %+v", task)
			}
		})
	}
}
