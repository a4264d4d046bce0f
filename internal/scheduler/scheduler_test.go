package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

func TestSchedule_ImmediateDelivery(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	s := NewQueueScheduler(q, 0)

	ctx := context.Background()
	err := s.Schedule(ctx, "e1", api.ScheduleOptions{Token: "tok", RetryCount: 2})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.ExecutionID != "e1" || task.Token != "tok" || task.RetryCount != 2 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Type != taskqueue.TaskTypeRunExecution {
		t.Fatalf("unexpected task type %s", task.Type)
	}
}

func TestScheduleAfter_SetsNotBefore(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	s := NewQueueScheduler(q, 0)

	before := time.Now()
	err := s.ScheduleAfter(context.Background(), "e1", 80*time.Millisecond, api.ScheduleOptions{})
	if err != nil {
		t.Fatalf("ScheduleAfter: %v", err)
	}

	task, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if time.Since(before) < 70*time.Millisecond {
		t.Fatalf("delayed task delivered after only %v", time.Since(before))
	}
	if task.ExecutionID != "e1" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestScheduleAfter_ClampsToMaxDelay(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	s := NewQueueScheduler(q, 50*time.Millisecond)

	// A delay far beyond the cap is clamped; the caller re-checks the
	// remaining time on delivery and re-schedules.
	err := s.ScheduleAfter(context.Background(), "e1", time.Hour, api.ScheduleOptions{})
	if err != nil {
		t.Fatalf("ScheduleAfter: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("expected clamped delivery within a second, got %v", err)
	}
}

func TestScheduleAt_PastDeadlineDeliversImmediately(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	s := NewQueueScheduler(q, 0)

	err := s.ScheduleAt(context.Background(), "e1", time.Now().Add(-time.Minute), api.ScheduleOptions{})
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.ExecutionID != "e1" {
		t.Fatalf("unexpected task: %+v", task)
	}
}
