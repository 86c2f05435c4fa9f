package queue

import (
	"context"
	"time"
)

// EventType names a job or stage lifecycle transition using the symmetric
// {scope}_{action} taxonomy.
type EventType string

const (
	EventJobQueued    EventType = "job_queued"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"

	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
)

// Event is an externally-deliverable notification derived from a job or
// stage transition. AssetType and AssetID come from caller-supplied job
// metadata; the engine itself never interprets them.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Queue     string    `json:"queue"`
	AssetType string    `json:"asset_type,omitempty"`
	AssetID   string    `json:"asset_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Notifier receives lifecycle events. Implementations are owned by the
// caller (SSE fan-out, webhooks, audit log); the engine only invokes them.
// Notify must not block for long: it is called inline from the worker and
// client paths.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// newEvent builds an event for a job transition, deriving routing fields
// from the job's metadata.
func newEvent(t EventType, job *Job) Event {
	ev := Event{
		Type:      t,
		JobID:     job.ID.String(),
		Queue:     job.Queue,
		Timestamp: time.Now(),
	}
	if job.Metadata != nil {
		ev.AssetType = job.Metadata[MetadataAssetType]
		ev.AssetID = job.Metadata[MetadataAssetID]
	}
	return ev
}

// notify is a nil-safe dispatch helper.
func notify(ctx context.Context, n Notifier, ev Event) {
	if n != nil {
		n.Notify(ctx, ev)
	}
}
