// Package httpqueue carries the worker contract over HTTP for workers
// that cannot reach the datastore directly.
//
// Server mounts the transport routes (POST /wait /claim /heartbeat
// /complete /fail, GET /stats) on a chi router over any queue.Store.
// The /wait route long-polls server-side, waking early on store enqueue
// signals when wired with WithWakeup. Client is the JSON counterpart, and
// Poller wraps it into a remote worker with the same lifecycle as the
// in-process one: periodic heartbeat while the handler runs, handler
// cancellation on fence loss, and rate-limit errors rescheduling the job
// without consuming an attempt.
//
// Fenced calls return a bool over the wire exactly like the repository
// layer: false means the lock token no longer matches and the caller must
// abandon the job.
package httpqueue
