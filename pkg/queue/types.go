package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueName is the default queue name used when no queue is specified
const DefaultQueueName = "default"

// Status represents the lifecycle state of a job or a stage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// BackoffType selects the retry delay strategy applied between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Valid checks if the backoff type is one of the supported strategies.
func (b BackoffType) Valid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// Metadata keys recognised by the event adapter when deriving
// notification routing from caller-supplied job metadata.
const (
	MetadataAssetType = "asset_type"
	MetadataAssetID   = "asset_id"
)

// Stage is a single named step in a job's multi-stage progress report.
// Stages are a flat ordered list owned by the handler, not a DAG.
type Stage struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// Job is the unit of work tracked by the queue.
//
// Ownership invariant: at most one non-expired (LockedBy, LockToken) pair is
// associated with a processing job at any instant. The LockToken is rotated
// on every successful claim, so any write carrying a previous token is a
// silent no-op at the store layer.
type Job struct {
	ID    uuid.UUID       `json:"id"`
	Queue string          `json:"queue"`
	Key   string          `json:"key,omitempty"` // idempotency key, unique per (queue, key)
	Data  json.RawMessage `json:"data,omitempty"`

	Status       Status     `json:"status"`
	Priority     int        `json:"priority"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	NextRetryAt  *time.Time    `json:"next_retry_at,omitempty"`
	BackoffDelay time.Duration `json:"backoff_ms"`
	BackoffType  BackoffType   `json:"backoff_type"`

	LockedBy  *uuid.UUID `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LockToken *uuid.UUID `json:"lock_token,omitempty"`

	ErrorMessage string            `json:"error_message,omitempty"`
	Stages       []Stage           `json:"stages,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LockExpired reports whether the job's claim has lapsed as of now.
func (j *Job) LockExpired(now time.Time) bool {
	return j.ExpiresAt != nil && j.ExpiresAt.Before(now)
}

// AttemptsExhausted reports whether the job has no retries left.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// QueueStats is a point-in-time snapshot of job counts for a queue.
// An empty Queue field means the counts span all queues.
type QueueStats struct {
	Queue      string `json:"queue,omitempty"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Total      int64  `json:"total"`
}

// ScheduleConfig defines a cron-driven recurrence that materializes jobs.
type ScheduleConfig struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"` // queue to enqueue into
	Cron        string          `json:"cron"`
	Data        json.RawMessage `json:"data,omitempty"`
	Enabled     bool            `json:"enabled"`
	Immediately bool            `json:"immediately,omitempty"` // fire once at creation, before the first cron tick

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RunLimit  int        `json:"run_limit,omitempty"` // 0 = unlimited
	RunCount  int        `json:"run_count"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
