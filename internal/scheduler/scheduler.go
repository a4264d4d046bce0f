// Package scheduler adapts a task queue into the engine's durable
// redelivery primitive.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

// DefaultMaxDelay caps a single scheduled delay. Longer sleeps are
// re-scheduled in bounded increments by the caller, which re-checks the
// remaining time on every delivery.
const DefaultMaxDelay = 7 * 24 * time.Hour

// QueueScheduler implements api.Scheduler by enqueueing run-execution
// tasks with a NotBefore deadline.
type QueueScheduler struct {
	queue    taskqueue.Queue
	maxDelay time.Duration
}

// Ensure QueueScheduler implements api.Scheduler.
var _ api.Scheduler = (*QueueScheduler)(nil)

// NewQueueScheduler creates a scheduler on top of the given queue.
// maxDelay <= 0 selects DefaultMaxDelay.
func NewQueueScheduler(queue taskqueue.Queue, maxDelay time.Duration) *QueueScheduler {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &QueueScheduler{queue: queue, maxDelay: maxDelay}
}

func (s *QueueScheduler) Schedule(ctx context.Context, executionID string, opts api.ScheduleOptions) error {
	return s.enqueue(ctx, executionID, time.Time{}, opts)
}

func (s *QueueScheduler) ScheduleAfter(ctx context.Context, executionID string, delay time.Duration, opts api.ScheduleOptions) error {
	if delay < 0 {
		delay = 0
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	return s.enqueue(ctx, executionID, time.Now().Add(delay), opts)
}

func (s *QueueScheduler) ScheduleAt(ctx context.Context, executionID string, wakeAt time.Time, opts api.ScheduleOptions) error {
	return s.ScheduleAfter(ctx, executionID, time.Until(wakeAt), opts)
}

func (s *QueueScheduler) enqueue(ctx context.Context, executionID string, notBefore time.Time, opts api.ScheduleOptions) error {
	return s.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        taskqueue.TaskTypeRunExecution,
		ExecutionID: executionID,
		Token:       opts.Token,
		RetryCount:  opts.RetryCount,
		NotBefore:   notBefore,
	})
}
