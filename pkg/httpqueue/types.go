package httpqueue

import (
	"errors"

	"github.com/google/uuid"

	"github.com/queuekit/queuekit/pkg/queue"
)

var (
	// ErrRequestFailed wraps transport-level failures of the HTTP client.
	ErrRequestFailed = errors.New("queue API request failed")
	// ErrBadStatus is returned when the server answers outside 2xx.
	ErrBadStatus = errors.New("queue API returned non-success status")
)

// Wire shapes for the long-poll transport. Durations travel as
// milliseconds; the Job payload reuses queue.Job's JSON form, lock token
// included, since remote workers have no other way to learn their token.

type waitRequest struct {
	Queue          string    `json:"queue"`
	WorkerID       uuid.UUID `json:"workerId"`
	LockDurationMs int64     `json:"lockDurationMs,omitempty"`
	TimeoutMs      int64     `json:"timeoutMs,omitempty"`
}

type claimRequest struct {
	Queue          string    `json:"queue"`
	WorkerID       uuid.UUID `json:"workerId"`
	LockDurationMs int64     `json:"lockDurationMs,omitempty"`
}

// jobResponse carries the claimed job, or null when nothing was eligible
// within the wait window.
type jobResponse struct {
	Job *queue.Job `json:"job"`
}

type heartbeatRequest struct {
	JobID      uuid.UUID `json:"jobId"`
	WorkerID   uuid.UUID `json:"workerId"`
	LockToken  uuid.UUID `json:"lockToken"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

type completeRequest struct {
	JobID     uuid.UUID `json:"jobId"`
	WorkerID  uuid.UUID `json:"workerId"`
	LockToken uuid.UUID `json:"lockToken"`
}

type failRequest struct {
	JobID     uuid.UUID `json:"jobId"`
	WorkerID  uuid.UUID `json:"workerId"`
	LockToken uuid.UUID `json:"lockToken"`
	Error     string    `json:"error,omitempty"`
	// RetryAfterMs reroutes the call to a rate-limit reschedule instead of
	// a failure: no attempt is consumed and no error is recorded.
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// okResponse reports fenced-write outcomes. ok=false means the lock token
// no longer matches; the caller must stop, not retry.
type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}
