package loom

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	enginepkg "github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/taskqueue"
	workerpkg "github.com/loomworks/loom/pkg/worker"
)

// Options tunes a Runtime. Everything is optional; workflows using tool
// or code steps need the matching collaborator set.
type Options struct {
	// Tools handles tool-call steps.
	Tools ToolInvoker

	// Code handles code steps and static checks during registration.
	Code CodeRunner

	Logger  *zap.SugaredLogger
	Backoff BackoffPolicy
	Limits  OutputLimits

	// LeaseTTL bounds how long one delivery may hold an execution before
	// the recovery sweep may reclaim it.
	LeaseTTL time.Duration

	// MaxScheduleDelay caps a single scheduled delay; longer sleeps
	// re-schedule in bounded increments.
	MaxScheduleDelay time.Duration
}

// Runtime wires together an Engine, a task queue, a queue-backed
// scheduler and a Worker that consumes from that queue. It is the
// simplest way to get a working system; applications needing custom
// wiring can assemble the pieces themselves.
type Runtime struct {
	Engine Engine
	Worker *workerpkg.Worker

	// queue is kept unexported; it is primarily useful for internal
	// inspection and tests. The public API focuses on Engine and Worker.
	queue taskqueue.Queue
}

// Run processes tasks until ctx is cancelled. Start several goroutines
// calling Run for more throughput.
func (r *Runtime) Run(ctx context.Context) error {
	return r.Worker.Run(ctx)
}

func newRuntime(stores persistence.Stores, leases persistence.ExecutionStore, queue taskqueue.Queue, opts Options) (*Runtime, error) {
	eng, err := enginepkg.New(enginepkg.Config{
		Stores:    stores,
		Scheduler: scheduler.NewQueueScheduler(queue, opts.MaxScheduleDelay),
		Tools:     opts.Tools,
		Code:      opts.Code,
		Logger:    opts.Logger,
		Limits:    opts.Limits,
		Backoff:   opts.Backoff,
		LeaseTTL:  opts.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}

	w := workerpkg.New(workerpkg.Config{
		Engine:  eng,
		Queue:   queue,
		Leases:  leases,
		Backoff: opts.Backoff,
		Logger:  opts.Logger,
	})

	return &Runtime{Engine: eng, Worker: w, queue: queue}, nil
}

// NewInMemoryRuntime returns a Runtime backed entirely by in-memory
// stores and queue. Nothing survives a restart; best for tests and
// development.
func NewInMemoryRuntime(opts Options) (*Runtime, error) {
	store := persistence.NewInMemoryStore()
	return newRuntime(store.Stores(), store, taskqueue.NewInMemoryQueue(), opts)
}

// NewSQLiteRuntime returns a durable Runtime persisting workflow state
// and queued tasks in the given SQLite database.
//
// Typical usage:
//
//	db, _ := loom.OpenSQLite("file:loom.db?_journal=WAL")
//	rt, err := loom.NewSQLiteRuntime(db, loom.Options{Tools: tools})
//	// register workflows on rt.Engine, then go rt.Run(ctx)
func NewSQLiteRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store.Stores(), store, queue, opts)
}

// NewPostgresRuntime returns a durable Runtime persisting workflow
// state and queued tasks in the given PostgreSQL database.
func NewPostgresRuntime(db *sql.DB, opts Options) (*Runtime, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return newRuntime(store.Stores(), store, queue, opts)
}
