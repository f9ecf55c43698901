// Package async provides safe concurrent execution primitives for background work.
//
// # Overview
//
// Every goroutine started here recovers panics, enforces a timeout and logs
// failures through the logger carried on the context, so fire-and-forget
// work (analytics, best-effort fan-out) cannot crash the daemon.
//
// # Key Functions
//
// SafeGo runs one function in the background:
//
//	async.SafeGo(context.WithoutCancel(ctx), 5*time.Second, "analytics", func(ctx context.Context) error {
//		return tracker.Record(ctx, event)
//	})
//
// WorkerPool is a fixed pool of workers fed by Submit:
//
//	pool := async.NewWorkerPool(ctx, 4, "task worker", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//
// Batch processes a slice concurrently and returns the errors:
//
//	errs := async.Batch(ctx, ids, 4, "grace sweep", 30*time.Second, check)
package async
