package queue

import "errors"

// Common errors
var (
	// ErrRepositoryNil is returned when a nil repository is provided
	ErrRepositoryNil = errors.New("repository cannot be nil")

	// ErrPayloadNil is returned when attempting to enqueue a nil payload
	ErrPayloadNil = errors.New("payload cannot be nil")

	// ErrPayloadMarshal is returned when payload marshaling fails
	ErrPayloadMarshal = errors.New("failed to marshal payload to JSON")

	// ErrJobCreate is returned when job creation in storage fails
	ErrJobCreate = errors.New("failed to create job in storage")

	// ErrJobNotFound is returned when a job lookup misses
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueNameEmpty is returned when an empty queue name is provided
	ErrQueueNameEmpty = errors.New("queue name cannot be empty")

	// ErrHandlerNotFound is returned when no handler is registered for a queue
	ErrHandlerNotFound = errors.New("no handler registered for queue")

	// ErrNoHandlers is returned when worker has no handlers registered
	ErrNoHandlers = errors.New("no job handlers registered")

	// ErrLockLost is returned when a fencing-guarded write affects zero rows:
	// the lock has been reclaimed by another worker and this worker's result
	// is moot. Callers must not retry the write with the same token.
	ErrLockLost = errors.New("job lock lost to another worker")

	// ErrStageNotFound is returned when a stage name is not in the job's stage list
	ErrStageNotFound = errors.New("stage not found")

	// ErrInvalidProgress is returned when stage progress is outside 0-100
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")

	// ErrScheduleKeyEmpty is returned when a schedule is upserted without a key
	ErrScheduleKeyEmpty = errors.New("schedule key cannot be empty")

	// ErrScheduleNotFound is returned when a schedule lookup misses
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidCron is returned when a cron expression cannot be parsed
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrInvalidBackoffType is returned when an unknown backoff strategy is requested
	ErrInvalidBackoffType = errors.New("invalid backoff type")

	// ErrWorkerAlreadyStarted is returned when Start is called on a running worker
	ErrWorkerAlreadyStarted = errors.New("worker already started")

	// ErrSchedulerAlreadyStarted is returned when Start is called on a running scheduler
	ErrSchedulerAlreadyStarted = errors.New("scheduler already started")

	// ErrDuplicateJobKey is returned by stores that cannot upsert on (queue, key)
	ErrDuplicateJobKey = errors.New("job with the same queue and key already exists")
)
