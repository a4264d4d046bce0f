// Package loom provides a durable, embeddable workflow orchestration
// engine for Go.
//
// Loom runs data-defined workflows: a workflow is a list of named steps
// whose inputs reference earlier step outputs through @ref expressions
// ("@Fetch.user.email", "@input.city"). The engine derives the
// dependency graph from those references, runs independent steps
// concurrently, checkpoints every step result, and replays checkpoints
// instead of re-executing work after a crash or redelivery.
//
// # Core Concepts
//
//  1. Workflow — an immutable definition: steps, inputs, triggers.
//  2. Engine — registers definitions, creates and drives executions.
//  3. Worker — consumes run-execution tasks from a queue.
//  4. Runtime — Engine + queue + scheduler + Worker wired together.
//  5. Builder — fluent construction of workflow definitions.
//
// # Steps
//
// Each step performs exactly one action:
//
//   - ToolCall: invoke an external tool through the ToolInvoker
//     collaborator.
//   - Code: run a source snippet in the sandboxed CodeRunner.
//   - Sleep: pause for a duration or until an RFC 3339 timestamp. Short
//     sleeps block in-process; long ones park the execution on a
//     durable timer.
//   - WaitForSignal: park until a named signal arrives, optionally with
//     a timeout.
//
// Steps in the same dependency level run concurrently; a step runs only
// after every step it references has completed. Tool and code steps may
// carry a per-step retry policy.
//
// # Durability
//
// Executions, step checkpoints and events are persisted through a
// storage backend:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// Each backend includes a matching task queue implementation so workers
// can reliably fetch work. A lease on the execution row guarantees at
// most one worker drives an execution at a time; leases abandoned by
// crashed workers expire and are reclaimed by a recovery sweep.
//
// # Signals, Messages and Events
//
// Running executions can be signalled (Engine.SendSignal), messaged
// from other executions (Engine.SendMessage), and publish named output
// values readable from outside (Engine.SetEvent / GetEvent). A parked
// execution wakes when its signal or timer fires.
//
// # Triggers
//
// A workflow may declare triggers: child workflows started when it
// completes, with inputs resolved against the final output. A forEach
// trigger fans out one child per element of an array.
//
// # Getting Started
//
//	rt, err := loom.NewSQLiteRuntime(db, loom.Options{Tools: tools})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loom.NewWorkflow("greet", "Greet").
//	    ToolCall("Hello", "conn", "say_hello", map[string]any{"name": "@input.name"}).
//	    MustRegister(ctx, rt.Engine)
//
//	go rt.Run(ctx)
//
//	exec, _ := rt.Engine.CreateExecution(ctx, "greet",
//	    map[string]any{"name": "Ada"}, loom.CreateOptions{})
//
// For the underlying types and contracts, see pkg/api. For the worker
// internals, see pkg/worker.
package loom
