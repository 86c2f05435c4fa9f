// Package redisqueue implements the queue.Store contract on Redis.
//
// Each job is a flat hash; per-queue sorted sets index pending jobs by
// eligible-at time and processing jobs by lock expiry. Every claim and
// fenced write runs as a Lua script, so ownership transitions are atomic
// on a single node without SQL-style row locks. Enqueues publish to a
// pub/sub wake channel that workers can feed into queue.WithWakeup via
// Store.Subscribe.
//
// Schedules are held in process memory (Capabilities reports
// SchedulerPersistence false): register them again on startup. The
// per-fire job idempotency key still deduplicates concurrent schedulers.
package redisqueue
