package pgqueue

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Migrations holds the embedded schema migrations, applied with pg.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// notifyChannel is the LISTEN/NOTIFY channel signaled on every enqueue.
const notifyChannel = "queue_jobs"

// jobColumns is the canonical select list; scanJob must match it exactly.
const jobColumns = `id, queue, key, data, status, priority, scheduled_for,
	attempts, max_attempts, next_retry_at, backoff_ms, backoff_type,
	locked_by, locked_at, expires_at, lock_token, error_message,
	stages, metadata, created_at, updated_at, completed_at`

// Store implements the full queue.Store contract on PostgreSQL.
//
// Two claim algorithms are available: the default uses
// SELECT ... FOR UPDATE SKIP LOCKED so competing claimers never block; the
// token-verify variant (WithTokenVerifyClaims) uses an atomic conditional
// UPDATE followed by a select-back on the fresh lock token, for databases
// that accept the same SQL surface but lack skip-locking.
type Store struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	skipLocked bool
	notify     bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTokenVerifyClaims selects the compare-and-set claim algorithm instead
// of FOR UPDATE SKIP LOCKED.
func WithTokenVerifyClaims() StoreOption {
	return func(s *Store) { s.skipLocked = false }
}

// WithoutNotify disables pg_notify on enqueue for installations that do not
// want LISTEN/NOTIFY traffic.
func WithoutNotify() StoreOption {
	return func(s *Store) { s.notify = false }
}

// WithLogger sets the logger used by the notify listener.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a PostgreSQL-backed store over the given pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) (*Store, error) {
	if pool == nil {
		return nil, queue.ErrRepositoryNil
	}

	s := &Store{
		pool:       pool,
		logger:     slog.Default(),
		skipLocked: true,
		notify:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Capabilities implements queue.Store.
func (s *Store) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Driver:               queue.DriverPostgres,
		SkipLocked:           s.skipLocked,
		Notify:               s.notify,
		JSONB:                true,
		SchedulerPersistence: true,
	}
}

const insertJobSQL = `
INSERT INTO queue_jobs (
	id, queue, key, data, status, priority, scheduled_for,
	attempts, max_attempts, next_retry_at, backoff_ms, backoff_type,
	stages, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
ON CONFLICT (queue, key) WHERE key IS NOT NULL DO NOTHING
RETURNING ` + jobColumns

const selectJobByKeySQL = `SELECT ` + jobColumns + ` FROM queue_jobs WHERE queue = $1 AND key = $2`

// CreateJob implements queue.EnqueuerRepository. The partial unique index
// on (queue, key) makes idempotency-key collisions a no-op; the existing
// row is returned instead.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	if job == nil {
		return nil, queue.ErrPayloadNil
	}

	stages, metadata, err := marshalDocs(job)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, insertJobSQL,
		job.ID, job.Queue, nullString(job.Key), []byte(job.Data),
		string(job.Status), job.Priority, job.ScheduledFor,
		job.Attempts, job.MaxAttempts, job.NextRetryAt,
		job.BackoffDelay.Milliseconds(), string(job.BackoffType),
		stages, metadata,
	)

	created, err := scanJob(row)
	if err == nil {
		s.notifyEnqueue(ctx, job.Queue)
		return created, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	// Conflict path: hand back the job that already owns the key.
	existing, err := scanJob(s.pool.QueryRow(ctx, selectJobByKeySQL, job.Queue, job.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to load job for key %q: %w", job.Key, err)
	}
	return existing, nil
}

// GetJob implements queue.EnqueuerRepository.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, queue.ErrJobNotFound
	}
	return job, err
}

const statsSQL = `
SELECT
	count(*) FILTER (WHERE status = 'pending'),
	count(*) FILTER (WHERE status = 'processing'),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*)
FROM queue_jobs
WHERE ($1 = '' OR queue = $1)`

// Stats implements queue.EnqueuerRepository.
func (s *Store) Stats(ctx context.Context, queueName string) (*queue.QueueStats, error) {
	stats := &queue.QueueStats{Queue: queueName}
	err := s.pool.QueryRow(ctx, statsSQL, queueName).Scan(
		&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	return stats, nil
}

func (s *Store) notifyEnqueue(ctx context.Context, queueName string) {
	if !s.notify {
		return
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, queueName); err != nil {
		s.logger.Warn("pg_notify failed", slog.String("queue", queueName), slog.String("error", err.Error()))
	}
}

func marshalDocs(job *queue.Job) (stages, metadata []byte, err error) {
	if len(job.Stages) > 0 {
		if stages, err = json.Marshal(job.Stages); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal stages: %w", err)
		}
	}
	if len(job.Metadata) > 0 {
		if metadata, err = json.Marshal(job.Metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return stages, metadata, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// scanJob populates a Job from the columns of jobColumns, in order.
func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		job       queue.Job
		key       *string
		data      []byte
		status    string
		backoffMs int64
		backoff   string
		errMsg    *string
		stages    []byte
		metadata  []byte
	)

	err := row.Scan(
		&job.ID, &job.Queue, &key, &data, &status, &job.Priority, &job.ScheduledFor,
		&job.Attempts, &job.MaxAttempts, &job.NextRetryAt, &backoffMs, &backoff,
		&job.LockedBy, &job.LockedAt, &job.ExpiresAt, &job.LockToken, &errMsg,
		&stages, &metadata, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if key != nil {
		job.Key = *key
	}
	job.Data = data
	job.Status = queue.Status(status)
	job.BackoffDelay = time.Duration(backoffMs) * time.Millisecond
	job.BackoffType = queue.BackoffType(backoff)
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &job.Stages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}
