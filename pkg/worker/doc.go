// Package worker provides the background worker that drives loom
// executions forward.
//
// Workers consume run-execution tasks from a task queue and hand each
// one to the engine, which acquires the execution's lease, replays
// checkpointed steps, and runs the rest. The worker owns redelivery
// bookkeeping: lease contention and retryable failures are re-enqueued
// with a delay, and a periodic sweep re-enqueues executions whose lease
// expired under a crashed worker.
//
// Workers are long-lived components that typically run in dedicated
// goroutines. Multiple workers can safely operate on the same queue;
// the lease protocol guarantees one worker per execution at a time.
//
// Most applications construct workers through the helper constructors
// in the loom root package, which wire queue, scheduler, engine and
// worker together with sensible defaults.
package worker
