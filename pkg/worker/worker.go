package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
)

// Worker pulls run-execution tasks from a Queue and drives executions
// through the Engine. Multiple workers can safely share one queue; the
// execution lease keeps them from stepping on each other.
type Worker struct {
	engine  api.Engine
	queue   taskqueue.Queue
	leases  persistence.ExecutionStore
	backoff api.BackoffPolicy
	logger  *zap.SugaredLogger

	// ContentionDelay is the redelivery delay when another worker holds
	// the execution's lease.
	ContentionDelay time.Duration

	// SweepInterval paces RecoverExpired inside Run. Zero disables the
	// sweep for workers that delegate recovery elsewhere.
	SweepInterval time.Duration
}

// Config describes how to construct a Worker. Leases may be nil, which
// disables the expired-lease recovery sweep.
type Config struct {
	Engine  api.Engine
	Queue   taskqueue.Queue
	Leases  persistence.ExecutionStore
	Backoff api.BackoffPolicy
	Logger  *zap.SugaredLogger
}

// New creates a new Worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Worker{
		engine:          cfg.Engine,
		queue:           cfg.Queue,
		leases:          cfg.Leases,
		backoff:         cfg.Backoff.WithDefaults(),
		logger:          cfg.Logger,
		ContentionDelay: 2 * time.Second,
		SweepInterval:   30 * time.Second,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error): processed is false only when no task was
// obtained (context cancelled). Outcome handling never surfaces as an
// error; redelivery bookkeeping is the worker's job.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeRunExecution:
		w.runExecution(ctx, task)
		return true, nil
	default:
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

func (w *Worker) runExecution(ctx context.Context, task *taskqueue.Task) {
	outcome, err := w.engine.ExecuteWorkflow(ctx, task.ExecutionID)
	switch {
	case err == nil:
	case api.IsContention(err):
		// Someone else is on it; look again after their lease had a
		// chance to settle.
		w.requeue(ctx, task, w.ContentionDelay, task.RetryCount)
		return
	case errors.Is(err, api.ErrExecutionNotFound):
		w.logger.Warnw("Dropping task for unknown execution", "execution", task.ExecutionID)
		return
	default:
		// Dequeue consumed the task, so losing it here would lose the
		// execution. Re-enqueue with backoff.
		w.logger.Errorw("Execution errored, re-enqueueing",
			"execution", task.ExecutionID, "error", err)
		w.requeue(ctx, task, api.Backoff(task.RetryCount, w.backoff), task.RetryCount+1)
		return
	}

	if outcome.Kind == api.OutcomeFailed && outcome.Retryable {
		w.requeue(ctx, task, outcome.RetryDelay, task.RetryCount+1)
	}
}

func (w *Worker) requeue(ctx context.Context, task *taskqueue.Task, delay time.Duration, retryCount int) {
	err := w.queue.Enqueue(ctx, taskqueue.Task{
		ID:          uuid.NewString(),
		Type:        task.Type,
		ExecutionID: task.ExecutionID,
		Token:       task.Token,
		RetryCount:  retryCount,
		NotBefore:   time.Now().Add(delay),
	})
	if err != nil {
		w.logger.Errorw("Re-enqueue failed; recovery sweep will pick the execution up",
			"execution", task.ExecutionID, "error", err)
	}
}

// RecoverExpired re-enqueues executions whose lease expired before now:
// work abandoned by crashed workers. Returns how many were enqueued.
func (w *Worker) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	if w.leases == nil {
		return 0, nil
	}

	ids, err := w.leases.ListExpiredLeases(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		err := w.queue.Enqueue(ctx, taskqueue.Task{
			ID:          uuid.NewString(),
			Type:        taskqueue.TaskTypeRunExecution,
			ExecutionID: id,
		})
		if err != nil {
			return 0, err
		}
		w.logger.Infow("Recovered execution with expired lease", "execution", id)
	}
	return len(ids), nil
}

// Run processes tasks until ctx is cancelled, sweeping for expired
// leases on SweepInterval. Intended to run in a dedicated goroutine;
// start several for more throughput.
func (w *Worker) Run(ctx context.Context) error {
	// The sweep runs on its own ticker: ProcessOne blocks on an empty
	// queue, and abandoned executions have no queue task to unblock it.
	if w.leases != nil && w.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(w.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := w.RecoverExpired(ctx, time.Now()); err != nil {
						w.logger.Warnw("Recovery sweep failed", "error", err)
					}
				}
			}
		}()
	}

	for {
		if _, err := w.ProcessOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logger.Warnw("Task processing error", "error", err)
		}
	}
}
