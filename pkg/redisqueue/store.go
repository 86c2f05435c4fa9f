package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/queuekit/queuekit/pkg/queue"
)

// ErrNilClient is returned when the store is constructed without a client.
var ErrNilClient = errors.New("redisqueue: nil redis client")

// Store implements queue.Store on top of a Redis deployment. All claim
// and fenced-write transitions run as Lua scripts, so a single Redis node
// gives the same ownership guarantees the SQL store gets from conditional
// UPDATEs.
type Store struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	schedules *scheduleRegistry
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal store warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a Redis-backed job store.
func NewStore(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	s := &Store{
		client:    client,
		logger:    slog.Default(),
		schedules: newScheduleRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Capabilities describes what this driver supports. Schedules are kept
// in process memory, so every deployment needs its schedules re-registered
// on startup.
func (s *Store) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Driver:               queue.DriverRedis,
		SkipLocked:           false,
		Notify:               true,
		JSONB:                false,
		SchedulerPersistence: false,
	}
}

// CreateJob implements queue.EnqueuerRepository. Jobs with an idempotency
// key collide against a per-(queue, key) marker inside the create script;
// on conflict the existing job is returned.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) (*queue.Job, error) {
	if job == nil {
		return nil, queue.ErrPayloadNil
	}

	fields, err := jobToFields(job)
	if err != nil {
		return nil, err
	}

	keyed := "0"
	idemKey := idempotencyKey(job.Queue, "-")
	if job.Key != "" {
		keyed = "1"
		idemKey = idempotencyKey(job.Queue, job.Key)
	}

	argv := make([]any, 0, 4+len(fields))
	argv = append(argv, job.ID.String(), eligibleAtMs(job), job.Queue, keyed)
	argv = append(argv, fields...)

	res, err := createJobScript.Run(ctx, s.client,
		[]string{idemKey, jobHashKey(job.ID.String()), pendingKey(job.Queue), queuesSetKey()},
		argv...).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if res != "" {
		// Key conflict: hand back the job that already owns it.
		return s.getJobByID(ctx, res)
	}

	s.wake(ctx, job.Queue)
	return s.getJobByID(ctx, job.ID.String())
}

// GetJob implements queue.EnqueuerRepository.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	return s.getJobByID(ctx, jobID.String())
}

// Stats implements queue.EnqueuerRepository. Pending and processing come
// from the zset cardinalities; completed and failed jobs are tracked by
// counters since their hashes may expire.
func (s *Store) Stats(ctx context.Context, queueName string) (*queue.QueueStats, error) {
	queues := []string{queueName}
	if queueName == "" {
		var err error
		queues, err = s.client.SMembers(ctx, queuesSetKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list queues: %w", err)
		}
	}

	stats := &queue.QueueStats{Queue: queueName}
	for _, q := range queues {
		pending, err := s.client.ZCard(ctx, pendingKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count pending jobs: %w", err)
		}
		processing, err := s.client.ZCard(ctx, processingKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count processing jobs: %w", err)
		}
		completed, err := s.counter(ctx, statCompletedKey(q))
		if err != nil {
			return nil, err
		}
		failed, err := s.counter(ctx, statFailedKey(q))
		if err != nil {
			return nil, err
		}
		stats.Pending += pending
		stats.Processing += processing
		stats.Completed += completed
		stats.Failed += failed
	}
	stats.Total = stats.Pending + stats.Processing + stats.Completed + stats.Failed
	return stats, nil
}

// lockExpiredMsg is recorded on jobs parked because their worker lock
// expired on the final attempt and no error was ever reported.
const lockExpiredMsg = "worker lock expired after final attempt"

// ClaimJob implements queue.WorkerRepository. The claim script picks the
// best eligible pending job (priority, then age), falling back to expired
// processing locks, and stamps ownership with a fresh token atomically.
// Expired locks out of attempts are marked failed in the same pass.
func (s *Store) ClaimJob(ctx context.Context, queueName string, workerID uuid.UUID, lockDuration time.Duration) (*queue.Job, error) {
	token := uuid.New()
	res, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey(queueName), processingKey(queueName), statFailedKey(queueName)},
		time.Now().UnixMilli(),
		lockDuration.Milliseconds(),
		workerID.String(),
		token.String(),
		jobHashKey(""),
		lockExpiredMsg,
	).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if res == "" {
		return nil, nil
	}
	return s.getJobByID(ctx, res)
}

// CompleteJob implements queue.WorkerRepository.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error) {
	q, ok, err := s.jobQueue(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return s.runGuard(ctx, completeScript,
		[]string{jobHashKey(jobID.String()), processingKey(q), statCompletedKey(q)},
		workerID.String(), lockToken.String(), time.Now().UnixMilli(), jobID.String())
}

// FailJob implements queue.WorkerRepository. The retry schedule comes from
// the job's own backoff fields; jobs out of attempts go terminal.
func (s *Store) FailJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error) {
	q, ok, err := s.jobQueue(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return s.runGuard(ctx, failScript,
		[]string{jobHashKey(jobID.String()), processingKey(q), pendingKey(q), statFailedKey(q)},
		workerID.String(), lockToken.String(), time.Now().UnixMilli(), jobID.String(),
		errMsg, queue.MaxBackoffDelay.Milliseconds())
}

// FailExpired implements queue.WorkerRepository. It marks failed every
// processing job whose lock has expired and whose attempts are exhausted.
// An empty queue name sweeps all known queues.
func (s *Store) FailExpired(ctx context.Context, queueName string) (int, error) {
	queues := []string{queueName}
	if queueName == "" {
		var err error
		queues, err = s.client.SMembers(ctx, queuesSetKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to list queues: %w", err)
		}
	}

	total := 0
	for _, q := range queues {
		n, err := sweepExpiredScript.Run(ctx, s.client,
			[]string{processingKey(q), statFailedKey(q)},
			time.Now().UnixMilli(), jobHashKey(""), lockExpiredMsg).Int()
		if err != nil {
			return total, fmt.Errorf("failed to sweep expired jobs: %w", err)
		}
		total += n
	}
	return total, nil
}

// RescheduleJob implements queue.WorkerRepository. The claim-time attempt
// increment is refunded so a rate-limited job keeps its full budget.
func (s *Store) RescheduleJob(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error) {
	q, ok, err := s.jobQueue(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return s.runGuard(ctx, rescheduleScript,
		[]string{jobHashKey(jobID.String()), processingKey(q), pendingKey(q)},
		workerID.String(), lockToken.String(), time.Now().UnixMilli(), jobID.String(),
		delay.Milliseconds())
}

// ExtendLock implements queue.WorkerRepository.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error) {
	q, ok, err := s.jobQueue(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	return s.runGuard(ctx, extendLockScript,
		[]string{jobHashKey(jobID.String()), processingKey(q)},
		workerID.String(), lockToken.String(), time.Now().UnixMilli(), jobID.String(),
		duration.Milliseconds())
}

// UpdateStages implements queue.WorkerRepository.
func (s *Store) UpdateStages(ctx context.Context, jobID, workerID, lockToken uuid.UUID, stages []queue.Stage) (bool, error) {
	doc, err := marshalStages(stages)
	if err != nil {
		return false, err
	}
	if _, ok, err := s.jobQueue(ctx, jobID); err != nil || !ok {
		return false, err
	}
	return s.runGuard(ctx, updateStagesScript,
		[]string{jobHashKey(jobID.String())},
		workerID.String(), lockToken.String(), time.Now().UnixMilli(), doc)
}

// Subscribe returns a coalescing wakeup channel fed by enqueue pub/sub
// messages. Close the handle when done.
func (s *Store) Subscribe(ctx context.Context) (*Subscription, error) {
	ps := s.client.Subscribe(ctx, wakeChannel)
	// Force the subscription to be established before returning.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to wake channel: %w", err)
	}

	sub := &Subscription{
		pubsub: ps,
		ch:     make(chan struct{}, 1),
	}
	go func() {
		for range ps.Channel() {
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
		close(sub.ch)
	}()
	return sub, nil
}

// Subscription delivers enqueue wakeups; pass C() to queue.WithWakeup.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan struct{}
}

// C returns the wakeup channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Close tears down the pub/sub connection.
func (s *Subscription) Close() error { return s.pubsub.Close() }

func (s *Store) getJobByID(ctx context.Context, id string) (*queue.Job, error) {
	m, err := s.client.HGetAll(ctx, jobHashKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return jobFromHash(m)
}

// jobQueue reads the job's queue name, needed to address the per-queue
// zsets in the guard scripts. A missing hash means the guard loses.
func (s *Store) jobQueue(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	q, err := s.client.HGet(ctx, jobHashKey(jobID.String()), "queue").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve job queue: %w", err)
	}
	return q, true, nil
}

func (s *Store) runGuard(ctx context.Context, script *redis.Script, keys []string, argv ...any) (bool, error) {
	n, err := script.Run(ctx, s.client, keys, argv...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to run guarded update: %w", err)
	}
	return n == 1, nil
}

func (s *Store) counter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) wake(ctx context.Context, queueName string) {
	if err := s.client.Publish(ctx, wakeChannel, queueName).Err(); err != nil {
		s.logger.Warn("wake publish failed",
			slog.String("queue", queueName), slog.String("error", err.Error()))
	}
}
