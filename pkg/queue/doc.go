// Package queue provides a driver-neutral, durable job queue with competing
// workers, fencing-token ownership, retry/backoff, multi-stage progress
// reporting, and cron-driven recurrence.
//
// The package is organised around three main components:
//
//   - Client: enqueues one-time jobs and queries their state
//   - Worker: claims eligible jobs and dispatches them to registered Handlers
//   - Scheduler: materializes recurring enqueues from persisted cron schedules
//
// Components interact only through a set of small repository interfaces
// (EnqueuerRepository, WorkerRepository, SchedulerRepository), keeping the
// engine decoupled from persistence. Interchangeable stores live in sibling
// packages: pgqueue (PostgreSQL via pgx), redisqueue (Redis via go-redis),
// and httpqueue (a long-poll transport for workers without direct store
// access). MemoryStore in this package backs tests and local development.
//
// # Ownership and fencing
//
// A claim atomically marks the single highest-priority eligible job as
// processing, owned by one worker, with a fresh lock token. Every mutating
// call a worker makes afterwards (complete, fail, extend, stage updates) is
// conditional on that token. If the lock lapses and another worker reclaims
// the job, a new token is issued and the first worker's writes become safe
// no-ops returning false. This is what keeps a resumed-but-presumed-dead
// worker from corrupting a job its successor now owns.
//
// # Retry and backoff
//
// Attempts are incremented at claim time, in the same atomic step as the
// claim itself. A failed job with attempts remaining reverts to pending
// with a next retry time computed from its backoff strategy (fixed, linear,
// or exponential with a cap). A handler returning RateLimitError instead
// reschedules the job without consuming an attempt.
//
// A job whose worker crashed is reclaimed once its lock expires, as long
// as attempts remain. When they do not, the periodic worker sweep
// (FailExpired, see WithSweepInterval) marks it failed so it reaches a
// terminal state instead of sitting in processing forever.
//
// # Usage
//
//	store := queue.NewMemoryStore()
//
//	client, _ := queue.NewClient(store)
//	jobID, _ := client.Enqueue(ctx, "thumbnails", payload,
//	    queue.WithPriority(10),
//	    queue.WithMaxAttempts(5),
//	    queue.WithBackoff(queue.BackoffExponential, 30*time.Second),
//	)
//
//	worker, _ := queue.NewWorker(store, queue.WithConcurrency(4))
//	_ = worker.RegisterHandler(queue.NewHandler("thumbnails",
//	    func(ctx context.Context, job *queue.JobContext, p Payload) error {
//	        if err := job.StartStage(ctx, "render"); err != nil {
//	            return err
//	        }
//	        // ... do the work, report progress ...
//	        return job.CompleteStage(ctx, "render", nil)
//	    }))
//	_ = worker.Start(ctx)
//	defer worker.Stop()
//
// Lifecycle events (job_queued, stage_started, ..., job_failed) are
// delivered to a caller-supplied Notifier; the engine emits them but never
// interprets them.
package queue
