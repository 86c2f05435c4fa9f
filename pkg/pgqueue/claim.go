package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/queuekit/queuekit/pkg/queue"
)

// eligibleJobCond selects jobs a claim may take: pending past their
// scheduled and retry times, or processing jobs whose lock lapsed with
// attempts remaining. Exhausted processing jobs are never reclaimed; they
// wait for an explicit failure sweep.
const eligibleJobCond = `(
	(status = 'pending'
		AND (scheduled_for IS NULL OR scheduled_for <= now())
		AND (next_retry_at IS NULL OR next_retry_at <= now()))
	OR (status = 'processing' AND expires_at < now() AND attempts < max_attempts)
)`

// claimSkipLockedSQL acquires the winning row under a row lock competing
// claimers skip rather than block on, then updates it in the same
// statement. Exactly one claimer wins each row; losers move on immediately.
// The attempt increment and the fresh lock token ride the same UPDATE.
const claimSkipLockedSQL = `
WITH candidate AS (
	SELECT id FROM queue_jobs
	WHERE queue = $1 AND ` + eligibleJobCond + `
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE queue_jobs j
SET status     = 'processing',
	attempts   = j.attempts + 1,
	locked_by  = $2,
	locked_at  = now(),
	expires_at = now() + $3 * interval '1 millisecond',
	lock_token = $4,
	updated_at = now()
FROM candidate
WHERE j.id = candidate.id
RETURNING ` + jobColumns

// claimTokenVerifySQL is the compare-and-set variant: a single atomic
// UPDATE whose WHERE clause re-checks eligibility so a stale subquery read
// never produces a false claim. The caller then selects back by the fresh
// token to confirm it won.
const claimTokenVerifySQL = `
UPDATE queue_jobs j
SET status     = 'processing',
	attempts   = j.attempts + 1,
	locked_by  = $2,
	locked_at  = now(),
	expires_at = now() + $3 * interval '1 millisecond',
	lock_token = $4,
	updated_at = now()
WHERE j.id = (
	SELECT id FROM queue_jobs
	WHERE queue = $1 AND ` + eligibleJobCond + `
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
)
AND ` + eligibleJobCond

const selectByTokenSQL = `SELECT ` + jobColumns + ` FROM queue_jobs WHERE lock_token = $1`

// ClaimJob implements queue.WorkerRepository.
func (s *Store) ClaimJob(ctx context.Context, queueName string, workerID uuid.UUID, lockDuration time.Duration) (*queue.Job, error) {
	token := uuid.New()
	lockMs := lockDuration.Milliseconds()

	if s.skipLocked {
		row := s.pool.QueryRow(ctx, claimSkipLockedSQL, queueName, workerID, lockMs, token)
		job, err := scanJob(row)
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim failed: %w", err)
		}
		return job, nil
	}

	return s.claimTokenVerify(ctx, queueName, workerID, lockMs, token)
}

// claimTokenVerify performs the update-then-verify token dance. A zero-row
// UPDATE means a concurrent claimer won the same candidate; that is a
// normal contention loss, not an error.
func (s *Store) claimTokenVerify(ctx context.Context, queueName string, workerID uuid.UUID, lockMs int64, token uuid.UUID) (*queue.Job, error) {
	tag, err := s.pool.Exec(ctx, claimTokenVerifySQL, queueName, workerID, lockMs, token)
	if err != nil {
		return nil, fmt.Errorf("claim update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	job, err := scanJob(s.pool.QueryRow(ctx, selectByTokenSQL, token))
	if err == pgx.ErrNoRows {
		// The row changed hands between our UPDATE and the select-back;
		// our token is already stale, so we did not win.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim verify failed: %w", err)
	}
	return job, nil
}
