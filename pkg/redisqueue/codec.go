package redisqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Jobs are stored as flat hashes so Lua scripts can read and update
// individual fields. Timestamps are unix milliseconds; absent optional
// fields are simply missing from the hash.

func jobToFields(job *queue.Job) ([]any, error) {
	fields := []any{
		"id", job.ID.String(),
		"queue", job.Queue,
		"status", string(job.Status),
		"priority", job.Priority,
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"backoff_ms", job.BackoffDelay.Milliseconds(),
		"backoff_type", string(job.BackoffType),
		"created_at", job.CreatedAt.UnixMilli(),
		"updated_at", job.UpdatedAt.UnixMilli(),
	}

	if job.Key != "" {
		fields = append(fields, "key", job.Key)
	}
	if len(job.Data) > 0 {
		fields = append(fields, "data", string(job.Data))
	}
	if job.ScheduledFor != nil {
		fields = append(fields, "scheduled_for", job.ScheduledFor.UnixMilli())
	}
	if job.NextRetryAt != nil {
		fields = append(fields, "next_retry_at", job.NextRetryAt.UnixMilli())
	}
	if len(job.Stages) > 0 {
		doc, err := json.Marshal(job.Stages)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stages: %w", err)
		}
		fields = append(fields, "stages", string(doc))
	}
	if len(job.Metadata) > 0 {
		doc, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		fields = append(fields, "metadata", string(doc))
	}

	return fields, nil
}

func jobFromHash(m map[string]string) (*queue.Job, error) {
	if len(m) == 0 {
		return nil, queue.ErrJobNotFound
	}

	id, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("bad job id in hash: %w", err)
	}

	job := &queue.Job{
		ID:           id,
		Queue:        m["queue"],
		Key:          m["key"],
		Status:       queue.Status(m["status"]),
		Priority:     atoiOr(m["priority"], 0),
		Attempts:     atoiOr(m["attempts"], 0),
		MaxAttempts:  atoiOr(m["max_attempts"], 0),
		BackoffDelay: time.Duration(atoi64Or(m["backoff_ms"], 0)) * time.Millisecond,
		BackoffType:  queue.BackoffType(m["backoff_type"]),
		ErrorMessage: m["error_message"],
		CreatedAt:    timeFromMs(m["created_at"]),
		UpdatedAt:    timeFromMs(m["updated_at"]),
	}

	if v := m["data"]; v != "" {
		job.Data = json.RawMessage(v)
	}
	job.ScheduledFor = timePtrFromMs(m["scheduled_for"])
	job.NextRetryAt = timePtrFromMs(m["next_retry_at"])
	job.LockedAt = timePtrFromMs(m["locked_at"])
	job.ExpiresAt = timePtrFromMs(m["expires_at"])
	job.CompletedAt = timePtrFromMs(m["completed_at"])

	if v := m["locked_by"]; v != "" {
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("bad locked_by in hash: %w", err)
		}
		job.LockedBy = &u
	}
	if v := m["lock_token"]; v != "" {
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("bad lock_token in hash: %w", err)
		}
		job.LockToken = &u
	}
	if v := m["stages"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
		}
	}
	if v := m["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return job, nil
}

func marshalStages(stages []queue.Stage) (string, error) {
	doc, err := json.Marshal(stages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stages: %w", err)
	}
	return string(doc), nil
}

// eligibleAtMs is the pending zset score: the moment the job may be claimed.
func eligibleAtMs(job *queue.Job) int64 {
	at := job.CreatedAt
	if job.ScheduledFor != nil && job.ScheduledFor.After(at) {
		at = *job.ScheduledFor
	}
	if job.NextRetryAt != nil && job.NextRetryAt.After(at) {
		at = *job.NextRetryAt
	}
	return at.UnixMilli()
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func atoi64Or(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func timeFromMs(s string) time.Time {
	return time.UnixMilli(atoi64Or(s, 0))
}

func timePtrFromMs(s string) *time.Time {
	if s == "" || s == "0" {
		return nil
	}
	t := time.UnixMilli(atoi64Or(s, 0))
	return &t
}
