package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/pkg/api"
)

func (e *Engine) SendSignal(ctx context.Context, executionID, name string, payload any) error {
	if _, err := e.cfg.Stores.Executions.GetExecution(ctx, executionID); err != nil {
		return err
	}

	ev := &api.Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        api.EventSignal,
		Name:        name,
		Payload:     payload,
		CreatedAt:   e.now(),
	}
	if err := e.cfg.Stores.Events.AppendEvent(ctx, ev); err != nil {
		return err
	}

	e.logger.Infow("Signal delivered", "execution", executionID, "signal", name)
	return e.cfg.Scheduler.Schedule(ctx, executionID, api.ScheduleOptions{})
}

func (e *Engine) SendMessage(ctx context.Context, sourceExecutionID, targetExecutionID, topic string, payload any) error {
	if _, err := e.cfg.Stores.Executions.GetExecution(ctx, targetExecutionID); err != nil {
		return err
	}

	ev := &api.Event{
		ID:                uuid.NewString(),
		ExecutionID:       targetExecutionID,
		Type:              api.EventMessage,
		Name:              topic,
		Payload:           payload,
		CreatedAt:         e.now(),
		SourceExecutionID: sourceExecutionID,
	}
	if err := e.cfg.Stores.Events.AppendEvent(ctx, ev); err != nil {
		return err
	}

	e.logger.Infow("Message delivered",
		"source", sourceExecutionID, "target", targetExecutionID, "topic", topic)
	return e.cfg.Scheduler.Schedule(ctx, targetExecutionID, api.ScheduleOptions{})
}

func (e *Engine) SetEvent(ctx context.Context, executionID, key string, value any) error {
	if _, err := e.cfg.Stores.Executions.GetExecution(ctx, executionID); err != nil {
		return err
	}

	ev := &api.Event{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Type:        api.EventOutput,
		Name:        key,
		Payload:     value,
		CreatedAt:   e.now(),
	}
	if err := e.cfg.Stores.Events.UpsertOutputEvent(ctx, ev); err != nil {
		return err
	}
	return e.cfg.Scheduler.Schedule(ctx, executionID, api.ScheduleOptions{})
}

func (e *Engine) GetEvent(ctx context.Context, executionID, key string) (any, error) {
	ev, err := e.cfg.Stores.Events.GetOutputEvent(ctx, executionID, key)
	if err != nil {
		if errors.Is(err, persistence.ErrEventNotFound) {
			return nil, persistence.ErrEventNotFound
		}
		return nil, err
	}
	return ev.Payload, nil
}

// CancelExecution marks the execution cancelled. A worker holding the
// lease observes the new status at its next level boundary; in-flight
// steps finish and checkpoint normally.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	exec, err := e.cfg.Stores.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	now := e.now()
	exec.Status = api.StatusCancelled
	exec.UpdatedAt = now
	exec.CompletedAt = &now
	if err := e.cfg.Stores.Executions.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	e.logger.Infow("Execution cancelled", "execution", executionID)
	return nil
}
