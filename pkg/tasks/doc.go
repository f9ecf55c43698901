// Package tasks schedules delayed, idempotent work such as the grace period
// check that fires when a subscriber's payment grace window closes.
//
// A task is a handler ref, JSON arguments and a run time. Handlers are
// registered on a Mux:
//
//	mux := tasks.NewMux()
//	mux.Handle("grace.check", scheduler.HandleCheckTask)
//
// RedisQueue keeps tasks in a sorted set scored by run time. The Worker
// polls it, claims due tasks atomically, and runs them on an async
// WorkerPool. A claimed task stays invisible to other workers until its
// visibility timeout passes; tasks whose worker died are requeued, so
// delivery is at-least-once. Failed tasks are retried with a fixed delay up
// to MaxAttempts.
//
// MemoryScheduler runs tasks on in-process timers for tests and
// single-process deployments.
package tasks
