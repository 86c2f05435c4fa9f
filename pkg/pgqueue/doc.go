// Package pgqueue implements the queue.Store contract on PostgreSQL using
// pgx/v5.
//
// Claims default to SELECT ... FOR UPDATE SKIP LOCKED: competing workers
// skip locked candidate rows instead of blocking, so contention costs no
// latency and exactly one claimer wins each row. WithTokenVerifyClaims
// switches to a compare-and-set algorithm (atomic conditional UPDATE, then
// a select-back on the fresh lock token) for databases accepting the same
// SQL surface without skip-locking.
//
// Schema lives in embedded goose migrations (Migrations); apply them with
// pg.Migrate before first use. Enqueues emit pg_notify on the queue_jobs
// channel; Listen returns a handle whose channel plugs into the worker's
// WithWakeup option so pickup latency beats the poll interval.
package pgqueue
