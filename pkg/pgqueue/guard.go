package pgqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Every write in this file is fenced: the WHERE clause requires the
// (locked_by, lock_token) pair issued at claim time, so a worker whose lock
// was reclaimed updates zero rows and gets false back. Callers must treat
// false as "another worker owns this job now" and never retry with the same
// token.

const completeJobSQL = `
UPDATE queue_jobs
SET status = 'completed',
	completed_at = now(),
	locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
	updated_at = now()
WHERE id = $1 AND locked_by = $2 AND lock_token = $3 AND status = 'processing'`

// CompleteJob implements queue.WorkerRepository.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, completeJobSQL, jobID, workerID, lockToken)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// failJobSQL computes the retry schedule in the same statement that records
// the failure, so attempts can never drift between read and write. Attempts
// were already incremented at claim time. The LEAST caps exponential growth
// at $5 milliseconds.
const failJobSQL = `
UPDATE queue_jobs
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
	error_message = $4,
	next_retry_at = CASE
		WHEN attempts >= max_attempts THEN NULL
		WHEN backoff_type = 'linear'
			THEN now() + LEAST(backoff_ms * attempts, $5) * interval '1 millisecond'
		WHEN backoff_type = 'exponential'
			THEN now() + LEAST(backoff_ms * power(2, attempts - 1), $5) * interval '1 millisecond'
		ELSE now() + LEAST(backoff_ms, $5) * interval '1 millisecond'
	END,
	locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
	updated_at = now()
WHERE id = $1 AND locked_by = $2 AND lock_token = $3 AND status = 'processing'`

// FailJob implements queue.WorkerRepository.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, failJobSQL, jobID, workerID, lockToken, errMsg,
		queue.MaxBackoffDelay.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// rescheduleJobSQL refunds the claim-time attempt increment: a rate-limit
// signal is external throttling, not a failure.
const rescheduleJobSQL = `
UPDATE queue_jobs
SET status = 'pending',
	attempts = GREATEST(attempts - 1, 0),
	scheduled_for = now() + $4 * interval '1 millisecond',
	next_retry_at = NULL,
	locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
	updated_at = now()
WHERE id = $1 AND locked_by = $2 AND lock_token = $3 AND status = 'processing'`

// RescheduleJob implements queue.WorkerRepository.
func (s *Store) RescheduleJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, rescheduleJobSQL, jobID, workerID, lockToken, delay.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to reschedule job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// failExpiredSQL is the only unfenced write here: it targets jobs whose
// worker is gone, so there is no token to check. Expired locks with
// attempts remaining are left for claim-time recovery.
const failExpiredSQL = `
UPDATE queue_jobs
SET status = 'failed',
	error_message = COALESCE(NULLIF(error_message, ''), 'worker lock expired after final attempt'),
	locked_by = NULL, locked_at = NULL, expires_at = NULL, lock_token = NULL,
	updated_at = now()
WHERE status = 'processing'
	AND expires_at < now()
	AND attempts >= max_attempts
	AND ($1 = '' OR queue = $1)`

// FailExpired implements queue.WorkerRepository. An empty queue name
// sweeps every queue.
func (s *Store) FailExpired(ctx context.Context, queueName string) (int, error) {
	tag, err := s.pool.Exec(ctx, failExpiredSQL, queueName)
	if err != nil {
		return 0, fmt.Errorf("failed to fail expired jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const extendLockSQL = `
UPDATE queue_jobs
SET expires_at = now() + $4 * interval '1 millisecond',
	updated_at = now()
WHERE id = $1 AND locked_by = $2 AND lock_token = $3 AND status = 'processing'`

// ExtendLock implements queue.WorkerRepository.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, extendLockSQL, jobID, workerID, lockToken, duration.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const updateStagesSQL = `
UPDATE queue_jobs
SET stages = $4,
	updated_at = now()
WHERE id = $1 AND locked_by = $2 AND lock_token = $3 AND status = 'processing'`

// UpdateStages implements queue.WorkerRepository.
func (s *Store) UpdateStages(ctx context.Context, jobID, workerID, lockToken uuid.UUID, stages []queue.Stage) (bool, error) {
	doc, err := json.Marshal(stages)
	if err != nil {
		return false, fmt.Errorf("failed to marshal stages: %w", err)
	}

	tag, err := s.pool.Exec(ctx, updateStagesSQL, jobID, workerID, lockToken, doc)
	if err != nil {
		return false, fmt.Errorf("failed to update stages: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
