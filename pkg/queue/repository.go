package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for job creation and inspection.
type EnqueuerRepository interface {
	// CreateJob persists a new job. When the job carries an idempotency key
	// and a job with the same (queue, key) already exists, the existing job
	// is returned unchanged and no new row is created.
	CreateJob(ctx context.Context, job *Job) (*Job, error)

	// GetJob returns a job by ID, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// Stats returns job counts for a queue; empty queue means all queues.
	Stats(ctx context.Context, queue string) (*QueueStats, error)
}

// WorkerRepository defines the interface for worker operations.
//
// ClaimJob is the only call that takes ownership; every other call is
// fenced by (workerID, lockToken) and returns false when the lock has been
// reclaimed by another worker. A false return is not an error: the caller's
// result is moot and must not be retried with the same token.
type WorkerRepository interface {
	// ClaimJob atomically acquires the single highest-priority eligible job
	// in the queue, marks it processing with a fresh lock token, and
	// increments attempts in the same atomic step. Returns nil, nil when
	// nothing is eligible.
	ClaimJob(ctx context.Context, queue string, workerID uuid.UUID, lockDuration time.Duration) (*Job, error)

	// CompleteJob marks the job completed if the fencing token still matches.
	CompleteJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error)

	// FailJob records the error and either parks the job as failed (attempts
	// exhausted) or reverts it to pending with a backoff-computed
	// next_retry_at. Attempts were already incremented at claim time.
	FailJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error)

	// RescheduleJob pushes the job delay into the future without consuming
	// an attempt and without recording a failure. Used for rate-limit
	// signals: the claim-time attempt increment is refunded.
	RescheduleJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error)

	// ExtendLock renews the claim for duration from now (heartbeat).
	ExtendLock(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error)

	// UpdateStages replaces the job's stage list, fenced by the lock token.
	UpdateStages(ctx context.Context, jobID, workerID, lockToken uuid.UUID, stages []Stage) (bool, error)

	// FailExpired marks failed every processing job whose lock expired with
	// no attempts left, so jobs that crash on their final attempt reach a
	// terminal state instead of lingering as processing. An empty queue
	// sweeps everything. Returns the number of jobs failed.
	FailExpired(ctx context.Context, queue string) (int, error)
}

// SchedulerRepository defines the interface for schedule persistence and
// the enqueue call the scheduler materializes on each fire.
type SchedulerRepository interface {
	// UpsertSchedule creates or replaces a schedule by key.
	UpsertSchedule(ctx context.Context, cfg *ScheduleConfig) error

	// RemoveSchedule deletes a schedule; false when the key is unknown.
	RemoveSchedule(ctx context.Context, key string) (bool, error)

	// SetScheduleEnabled halts or resumes firing without deleting history.
	SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error)

	// ListSchedules returns schedules, optionally filtered by queue name.
	ListSchedules(ctx context.Context, name string) ([]*ScheduleConfig, error)

	// DueSchedules returns enabled schedules with next_run_at <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*ScheduleConfig, error)

	// MarkScheduleRun records a fire: last_run_at, run_count, and the
	// recomputed next_run_at (nil disables further firing).
	MarkScheduleRun(ctx context.Context, key string, lastRun time.Time, nextRun *time.Time, runCount int) error

	// CreateJob materializes the enqueue for a fired schedule.
	CreateJob(ctx context.Context, job *Job) (*Job, error)
}

// Store is the full contract a backing driver satisfies.
type Store interface {
	EnqueuerRepository
	WorkerRepository
	SchedulerRepository

	// Capabilities describes the store's native primitives.
	Capabilities() Capabilities
}
