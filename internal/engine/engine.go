// Package engine implements the durable workflow orchestration core:
// registration, execution creation, lease-guarded execution, signals,
// messages, published outputs and cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/validate"
	"github.com/loomworks/loom/pkg/api"
)

// Config describes how to construct an Engine. Stores and Scheduler are
// required; the rest defaults sensibly.
type Config struct {
	Stores    persistence.Stores
	Scheduler api.Scheduler

	// Tools handles tool-call steps. A workflow with tool steps fails at
	// dispatch if nil.
	Tools api.ToolInvoker

	// Code handles code steps and static source checks during
	// registration. Code steps fail at dispatch if nil.
	Code api.CodeRunner

	Logger  *zap.SugaredLogger
	Limits  api.OutputLimits
	Backoff api.BackoffPolicy

	// LeaseTTL bounds how long a single ExecuteWorkflow invocation may
	// hold an execution before the recovery sweep may reclaim it.
	LeaseTTL time.Duration

	// InlineSleepThreshold is the longest sleep served by blocking
	// in-process. Longer sleeps park the execution on a durable timer.
	InlineSleepThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	c.Limits = c.Limits.WithDefaults()
	c.Backoff = c.Backoff.WithDefaults()
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.InlineSleepThreshold <= 0 {
		c.InlineSleepThreshold = 25 * time.Second
	}
	return c
}

// Engine is the package-internal implementation of api.Engine.
type Engine struct {
	cfg       Config
	validator *validate.Validator
	logger    *zap.SugaredLogger

	// now is swappable in tests.
	now func() time.Time
}

// Ensure Engine implements api.Engine.
var _ api.Engine = (*Engine)(nil)

// New constructs an Engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.Stores.Workflows == nil || cfg.Stores.Executions == nil ||
		cfg.Stores.Steps == nil || cfg.Stores.Events == nil {
		return nil, errors.New("engine: all four stores are required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("engine: scheduler is required")
	}
	cfg = cfg.withDefaults()

	validator, err := validate.New(cfg.Code)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		validator: validator,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

func (e *Engine) RegisterWorkflow(ctx context.Context, def api.Workflow) error {
	if issues := e.validator.Validate(ctx, def); len(issues) > 0 {
		return &api.ValidationError{WorkflowID: def.ID, Issues: issues}
	}
	if err := e.cfg.Stores.Workflows.SaveWorkflow(ctx, def); err != nil {
		return err
	}
	e.logger.Infow("Registered workflow", "workflow", def.ID, "steps", len(def.Steps))
	return nil
}

func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (api.Workflow, error) {
	return e.cfg.Stores.Workflows.GetWorkflow(ctx, workflowID)
}

func (e *Engine) CreateExecution(ctx context.Context, workflowID string, input map[string]any, opts api.CreateOptions) (*api.Execution, error) {
	if _, err := e.cfg.Stores.Workflows.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.Backoff.MaxRetries
	}

	now := e.now()
	exec := &api.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        workflowID,
		Status:            api.StatusPending,
		Input:             input,
		ParentExecutionID: opts.ParentExecutionID,
		CreatedAt:         now,
		UpdatedAt:         now,
		MaxRetries:        maxRetries,
	}
	if err := e.cfg.Stores.Executions.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	if err := e.cfg.Scheduler.Schedule(ctx, exec.ID, api.ScheduleOptions{}); err != nil {
		return nil, fmt.Errorf("schedule execution %s: %w", exec.ID, err)
	}

	e.logger.Infow("Created execution", "execution", exec.ID, "workflow", workflowID)
	return exec, nil
}

func (e *Engine) GetExecution(ctx context.Context, executionID string) (*api.Execution, error) {
	return e.cfg.Stores.Executions.GetExecution(ctx, executionID)
}

func (e *Engine) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	return e.cfg.Stores.Executions.ListExecutions(ctx, filter)
}

func (e *Engine) ListEvents(ctx context.Context, executionID string) ([]*api.Event, error) {
	return e.cfg.Stores.Events.ListEvents(ctx, executionID)
}

func (e *Engine) ListStepResults(ctx context.Context, executionID string) ([]*api.StepResult, error) {
	return e.cfg.Stores.Steps.ListStepResults(ctx, executionID)
}
