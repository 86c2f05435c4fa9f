package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the full Store contract in process memory, for
// testing and local development. Claims are serialized by a mutex instead
// of row locks, so it reports SkipLocked=false; fencing-token semantics are
// identical to the durable stores. Expired locks are not swept by a
// background goroutine: claim eligibility covers lock recovery directly.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*Job
	byKey     map[string]uuid.UUID // queue + "\x00" + key -> job id
	schedules map[string]*ScheduleConfig

	wake chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[uuid.UUID]*Job),
		byKey:     make(map[string]uuid.UUID),
		schedules: make(map[string]*ScheduleConfig),
		wake:      make(chan struct{}, 1),
	}
}

// Capabilities implements Store.
func (ms *MemoryStore) Capabilities() Capabilities {
	return Capabilities{
		Driver:               DriverMemory,
		SkipLocked:           false,
		Notify:               true,
		JSONB:                false,
		SchedulerPersistence: true,
	}
}

// Wakeups returns a channel signaled on every enqueue, suitable for the
// worker's WithWakeup option.
func (ms *MemoryStore) Wakeups() <-chan struct{} { return ms.wake }

func (ms *MemoryStore) signal() {
	select {
	case ms.wake <- struct{}{}:
	default:
	}
}

func jobKey(queue, key string) string { return queue + "\x00" + key }

// CreateJob implements EnqueuerRepository and SchedulerRepository. A job
// carrying an idempotency key that already exists in the queue is a no-op
// returning the existing job.
func (ms *MemoryStore) CreateJob(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, ErrPayloadNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if job.Key != "" {
		if id, ok := ms.byKey[jobKey(job.Queue, job.Key)]; ok {
			existing := *ms.jobs[id]
			return &existing, nil
		}
	}

	cp := *job
	ms.jobs[cp.ID] = &cp
	if cp.Key != "" {
		ms.byKey[jobKey(cp.Queue, cp.Key)] = cp.ID
	}

	ms.signal()

	out := cp
	return &out, nil
}

// GetJob implements EnqueuerRepository.
func (ms *MemoryStore) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	job, ok := ms.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Stats implements EnqueuerRepository.
func (ms *MemoryStore) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	stats := &QueueStats{Queue: queue}
	for _, job := range ms.jobs {
		if queue != "" && job.Queue != queue {
			continue
		}
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		stats.Total++
	}
	return stats, nil
}

// ClaimJob implements WorkerRepository. Selection follows priority DESC,
// created_at ASC over eligible jobs: pending past their scheduled/retry
// times, or processing jobs whose lock lapsed with attempts remaining.
// The attempt increment and the fresh lock token are part of the same
// critical section as the claim.
func (ms *MemoryStore) ClaimJob(ctx context.Context, queue string, workerID uuid.UUID, lockDuration time.Duration) (*Job, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var best *Job
	for _, job := range ms.jobs {
		if job.Queue != queue || !eligible(job, now) {
			continue
		}
		if best == nil ||
			job.Priority > best.Priority ||
			(job.Priority == best.Priority && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	token := uuid.New()
	expires := now.Add(lockDuration)
	best.Status = StatusProcessing
	best.Attempts++
	best.LockedBy = &workerID
	best.LockedAt = &now
	best.ExpiresAt = &expires
	best.LockToken = &token
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

func eligible(job *Job, now time.Time) bool {
	switch job.Status {
	case StatusPending:
		if job.ScheduledFor != nil && job.ScheduledFor.After(now) {
			return false
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			return false
		}
		return true
	case StatusProcessing:
		// Lock recovery: a crashed worker's claim has lapsed. Exhausted
		// jobs are left for an explicit failure sweep, never re-claimed.
		return job.LockExpired(now) && !job.AttemptsExhausted()
	}
	return false
}

// locked returns the job only if the fencing triple still matches.
func (ms *MemoryStore) locked(jobID, workerID, lockToken uuid.UUID) *Job {
	job, ok := ms.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		return nil
	}
	if job.LockedBy == nil || *job.LockedBy != workerID {
		return nil
	}
	if job.LockToken == nil || *job.LockToken != lockToken {
		return nil
	}
	return job
}

// CompleteJob implements WorkerRepository.
func (ms *MemoryStore) CompleteJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job := ms.locked(jobID, workerID, lockToken)
	if job == nil {
		return false, nil
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	clearLock(job)
	return true, nil
}

// FailJob implements WorkerRepository.
func (ms *MemoryStore) FailJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job := ms.locked(jobID, workerID, lockToken)
	if job == nil {
		return false, nil
	}

	now := time.Now()
	job.ErrorMessage = errMsg
	job.UpdatedAt = now
	clearLock(job)

	if job.AttemptsExhausted() {
		job.Status = StatusFailed
		return true, nil
	}

	retryAt := now.Add(RetryDelay(job.BackoffType, job.BackoffDelay, job.Attempts))
	job.Status = StatusPending
	job.NextRetryAt = &retryAt
	return true, nil
}

// RescheduleJob implements WorkerRepository: the rate-limit path. The
// claim-time attempt increment is refunded and no failure is recorded.
func (ms *MemoryStore) RescheduleJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job := ms.locked(jobID, workerID, lockToken)
	if job == nil {
		return false, nil
	}

	now := time.Now()
	at := now.Add(delay)
	job.Status = StatusPending
	job.Attempts--
	job.ScheduledFor = &at
	job.NextRetryAt = nil
	job.UpdatedAt = now
	clearLock(job)
	return true, nil
}

// ExtendLock implements WorkerRepository.
func (ms *MemoryStore) ExtendLock(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job := ms.locked(jobID, workerID, lockToken)
	if job == nil {
		return false, nil
	}

	expires := time.Now().Add(duration)
	job.ExpiresAt = &expires
	job.UpdatedAt = time.Now()
	return true, nil
}

// UpdateStages implements WorkerRepository.
func (ms *MemoryStore) UpdateStages(ctx context.Context, jobID, workerID, lockToken uuid.UUID, stages []Stage) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job := ms.locked(jobID, workerID, lockToken)
	if job == nil {
		return false, nil
	}

	job.Stages = cloneStages(stages)
	job.UpdatedAt = time.Now()
	return true, nil
}

// FailExpired implements WorkerRepository: processing jobs whose lock has
// lapsed with no attempts left go terminal.
func (ms *MemoryStore) FailExpired(ctx context.Context, queueName string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	n := 0
	for _, job := range ms.jobs {
		if queueName != "" && job.Queue != queueName {
			continue
		}
		if job.Status != StatusProcessing || !job.LockExpired(now) || !job.AttemptsExhausted() {
			continue
		}
		job.Status = StatusFailed
		if job.ErrorMessage == "" {
			job.ErrorMessage = "worker lock expired after final attempt"
		}
		job.UpdatedAt = now
		clearLock(job)
		n++
	}
	return n, nil
}

func clearLock(job *Job) {
	job.LockedBy = nil
	job.LockedAt = nil
	job.ExpiresAt = nil
	job.LockToken = nil
}

// ExpireLock force-expires a job's claim, for tests exercising recovery.
func (ms *MemoryStore) ExpireLock(jobID uuid.UUID) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	job, ok := ms.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		return false
	}
	past := time.Now().Add(-time.Second)
	job.ExpiresAt = &past
	return true
}

// UpsertSchedule implements SchedulerRepository.
func (ms *MemoryStore) UpsertSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	if cfg == nil || cfg.Key == "" {
		return ErrScheduleKeyEmpty
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := *cfg
	if existing, ok := ms.schedules[cfg.Key]; ok {
		// Run history survives redefinition.
		cp.RunCount = existing.RunCount
		cp.LastRunAt = existing.LastRunAt
		cp.CreatedAt = existing.CreatedAt
	}
	ms.schedules[cp.Key] = &cp
	return nil
}

// RemoveSchedule implements SchedulerRepository.
func (ms *MemoryStore) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.schedules[key]; !ok {
		return false, nil
	}
	delete(ms.schedules, key)
	return true, nil
}

// SetScheduleEnabled implements SchedulerRepository.
func (ms *MemoryStore) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cfg, ok := ms.schedules[key]
	if !ok {
		return false, nil
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now()
	return true, nil
}

// ListSchedules implements SchedulerRepository.
func (ms *MemoryStore) ListSchedules(ctx context.Context, name string) ([]*ScheduleConfig, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]*ScheduleConfig, 0, len(ms.schedules))
	for _, cfg := range ms.schedules {
		if name != "" && cfg.Name != name {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

// DueSchedules implements SchedulerRepository.
func (ms *MemoryStore) DueSchedules(ctx context.Context, now time.Time) ([]*ScheduleConfig, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*ScheduleConfig
	for _, cfg := range ms.schedules {
		if !cfg.Enabled || cfg.NextRunAt == nil || cfg.NextRunAt.After(now) {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

// MarkScheduleRun implements SchedulerRepository.
func (ms *MemoryStore) MarkScheduleRun(ctx context.Context, key string, lastRun time.Time, nextRun *time.Time, runCount int) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cfg, ok := ms.schedules[key]
	if !ok {
		return ErrScheduleNotFound
	}
	cfg.LastRunAt = &lastRun
	cfg.NextRunAt = nextRun
	cfg.RunCount = runCount
	cfg.UpdatedAt = time.Now()
	return nil
}
