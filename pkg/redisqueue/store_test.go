package redisqueue_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuekit/queuekit/pkg/queue"
	"github.com/queuekit/queuekit/pkg/redisconn"
	"github.com/queuekit/queuekit/pkg/redisqueue"
)

// Integration tests run against a real server:
//
//	QUEUEKIT_TEST_REDIS_URL=redis://localhost:6379/15 go test ./pkg/redisqueue/...
func testClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("QUEUEKIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("QUEUEKIT_TEST_REDIS_URL not set, skipping redis integration tests")
	}

	ctx := context.Background()
	client, err := redisconn.Connect(ctx, redisconn.Config{
		ConnectionURL:  url,
		RetryAttempts:  1,
		RetryInterval:  time.Second,
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Each test run starts from a clean keyspace.
	iter := client.Scan(ctx, 0, "queuekit:*", 0).Iterator()
	for iter.Next(ctx) {
		require.NoError(t, client.Del(ctx, iter.Val()).Err())
	}
	require.NoError(t, iter.Err())

	return client
}

func testStore(t *testing.T) *redisqueue.Store {
	t.Helper()

	store, err := redisqueue.NewStore(testClient(t))
	require.NoError(t, err)
	return store
}

func pendingJob(queueName string) *queue.Job {
	now := time.Now()
	return &queue.Job{
		ID:           uuid.New(),
		Queue:        queueName,
		Data:         []byte(`{"n":1}`),
		Status:       queue.StatusPending,
		MaxAttempts:  3,
		BackoffType:  queue.BackoffExponential,
		BackoffDelay: time.Second,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := pendingJob("media")
	job.Key = "asset-1"
	job.Metadata = map[string]string{"asset_type": "video"}
	job.Stages = queue.NewStages("download", "transcode")

	created, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, created.ID)
	assert.Equal(t, queue.StatusPending, created.Status)
	require.Len(t, created.Stages, 2)
	assert.Equal(t, "video", created.Metadata["asset_type"])

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))

	_, err = store.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestStore_IdempotencyKey(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := pendingJob("media")
	first.Key = "asset-1"
	created, err := store.CreateJob(ctx, first)
	require.NoError(t, err)

	dup := pendingJob("media")
	dup.Key = "asset-1"
	existing, err := store.CreateJob(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, created.ID, existing.ID)

	// Same key in another queue is a distinct job.
	other := pendingJob("emails")
	other.Key = "asset-1"
	separate, err := store.CreateJob(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, separate.ID)
}

func TestStore_ClaimLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queue.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.LockedBy)
	assert.Equal(t, workerID, *claimed.LockedBy)
	require.NotNil(t, claimed.LockToken)
	require.NotNil(t, claimed.ExpiresAt)

	// The queue is drained now.
	none, err := store.ClaimJob(ctx, "media", uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	ok, err := store.CompleteJob(ctx, claimed.ID, workerID, *claimed.LockToken)
	require.NoError(t, err)
	assert.True(t, ok)

	done, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, done.Status)
	assert.Nil(t, done.LockedBy)
	assert.Nil(t, done.LockToken)
	require.NotNil(t, done.CompletedAt)
}

func TestStore_PriorityOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	older := pendingJob("media")
	older.Priority = 5
	older.CreatedAt = now.Add(-3 * time.Second)
	newer := pendingJob("media")
	newer.Priority = 5
	newer.CreatedAt = now.Add(-1 * time.Second)
	urgent := pendingJob("media")
	urgent.Priority = 10
	urgent.CreatedAt = now.Add(-2 * time.Second)

	for _, job := range []*queue.Job{older, newer, urgent} {
		_, err := store.CreateJob(ctx, job)
		require.NoError(t, err)
	}

	workerID := uuid.New()
	var order []uuid.UUID
	for range 3 {
		claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		order = append(order, claimed.ID)
	}

	assert.Equal(t, []uuid.UUID{urgent.ID, older.ID, newer.ID}, order)
}

func TestStore_Fencing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)

	crashed := uuid.New()
	first, err := store.ClaimJob(ctx, "media", crashed, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)
	staleToken := *first.LockToken

	time.Sleep(80 * time.Millisecond)

	// Another worker recovers the expired claim with a fresh token.
	recoverer := uuid.New()
	second, err := store.ClaimJob(ctx, "media", recoverer, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	assert.NotEqual(t, staleToken, *second.LockToken)

	// The crashed worker's token no longer moves the job.
	ok, err := store.CompleteJob(ctx, first.ID, crashed, staleToken)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.ExtendLock(ctx, first.ID, crashed, staleToken, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.UpdateStages(ctx, first.ID, crashed, staleToken, queue.NewStages("download"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompleteJob(ctx, second.ID, recoverer, *second.LockToken)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_ExhaustedLocksNotRecovered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := pendingJob("media")
	job.MaxAttempts = 1
	_, err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, "media", uuid.New(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	time.Sleep(80 * time.Millisecond)

	// Out of attempts: instead of cycling, the expired lock goes terminal.
	none, err := store.ClaimJob(ctx, "media", uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	dead, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, dead.Status)
	assert.NotEmpty(t, dead.ErrorMessage)
	assert.Nil(t, dead.LockToken)

	stats, err := store.Stats(ctx, "media")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Processing)
}

// A pile of exhausted expired locks at the head of the processing zset must
// not hide a recoverable crashed-worker job behind them.
func TestStore_RecoveryBehindExhaustedBacklog(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for range 20 {
		job := pendingJob("media")
		job.MaxAttempts = 1
		_, err := store.CreateJob(ctx, job)
		require.NoError(t, err)
		claimed, err := store.ClaimJob(ctx, "media", uuid.New(), 50*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	// The recoverable job's lock expires last, so it sits behind the
	// exhausted backlog in the zset.
	recoverable, err := store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)
	claimed, err := store.ClaimJob(ctx, "media", uuid.New(), 60*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, recoverable.ID, claimed.ID)

	time.Sleep(100 * time.Millisecond)

	got, err := store.ClaimJob(ctx, "media", uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got, "recoverable job was lost behind exhausted locks")
	assert.Equal(t, recoverable.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)

	stats, err := store.Stats(ctx, "media")
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Failed)
	assert.Equal(t, int64(1), stats.Processing)
}

// Priority wins across the whole eligible backlog, however deep.
func TestStore_PriorityAcrossLargeBacklog(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := range 70 {
		job := pendingJob("media")
		job.Priority = 1
		job.CreatedAt = base.Add(time.Duration(i-70) * time.Second)
		_, err := store.CreateJob(ctx, job)
		require.NoError(t, err)
	}
	urgent := pendingJob("media")
	urgent.Priority = 10
	urgent.CreatedAt = base
	_, err := store.CreateJob(ctx, urgent)
	require.NoError(t, err)

	claimed, err := store.ClaimJob(ctx, "media", uuid.New(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, urgent.ID, claimed.ID)
}

func TestStore_FailExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	exhausted := pendingJob("media")
	exhausted.MaxAttempts = 1
	_, err := store.CreateJob(ctx, exhausted)
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, "media", uuid.New(), 50*time.Millisecond)
	require.NoError(t, err)

	// A recoverable job in another queue: expired but with attempts left.
	recoverable, err := store.CreateJob(ctx, pendingJob("emails"))
	require.NoError(t, err)
	_, err = store.ClaimJob(ctx, "emails", uuid.New(), 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	// Empty queue name sweeps every known queue.
	n, err := store.FailExpired(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := store.GetJob(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, dead.Status)
	assert.NotEmpty(t, dead.ErrorMessage)

	kept, err := store.GetJob(ctx, recoverable.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusProcessing, kept.Status)

	// Nothing left to sweep.
	n, err = store.FailExpired(ctx, "media")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_FailAndRetry(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := store.FailJob(ctx, claimed.ID, workerID, *claimed.LockToken, "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	failed, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMessage)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.NextRetryAt)
	assert.True(t, failed.NextRetryAt.After(time.Now()))

	// Not claimable until the backoff elapses.
	none, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStore_TerminalFailure(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := pendingJob("media")
	job.MaxAttempts = 1
	_, err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, err := store.FailJob(ctx, claimed.ID, workerID, *claimed.LockToken, "fatal")
	require.NoError(t, err)
	assert.True(t, ok)

	dead, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, dead.Status)
	assert.Nil(t, dead.NextRetryAt)

	stats, err := store.Stats(ctx, "media")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestStore_RescheduleRefundsAttempt(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 1, claimed.Attempts)

	ok, err := store.RescheduleJob(ctx, claimed.ID, workerID, *claimed.LockToken, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	parked, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, parked.Status)
	assert.Equal(t, 0, parked.Attempts)
	assert.Nil(t, parked.LockToken)
	require.NotNil(t, parked.ScheduledFor)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *parked.ScheduledFor, 5*time.Second)
}

func TestStore_UpdateStages(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := pendingJob("media")
	job.Stages = queue.NewStages("download", "transcode")
	_, err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stages := claimed.Stages
	stages[0].Status = queue.StatusCompleted
	stages[0].Progress = 100
	ok, err := store.UpdateStages(ctx, claimed.ID, workerID, *claimed.LockToken, stages)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, queue.StatusCompleted, got.Stages[0].Status)
	assert.Equal(t, 100, got.Stages[0].Progress)
}

func TestStore_Stats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for range 2 {
		_, err := store.CreateJob(ctx, pendingJob("media"))
		require.NoError(t, err)
	}
	_, err := store.CreateJob(ctx, pendingJob("emails"))
	require.NoError(t, err)

	workerID := uuid.New()
	claimed, err := store.ClaimJob(ctx, "media", workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	ok, err := store.CompleteJob(ctx, claimed.ID, workerID, *claimed.LockToken)
	require.NoError(t, err)
	require.True(t, ok)

	media, err := store.Stats(ctx, "media")
	require.NoError(t, err)
	assert.Equal(t, int64(1), media.Pending)
	assert.Equal(t, int64(0), media.Processing)
	assert.Equal(t, int64(1), media.Completed)
	assert.Equal(t, int64(2), media.Total)

	all, err := store.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.Pending)
	assert.Equal(t, int64(3), all.Total)
}

func TestStore_SubscribeWakesOnEnqueue(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	_, err = store.CreateJob(ctx, pendingJob("media"))
	require.NoError(t, err)

	select {
	case <-sub.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no wakeup after enqueue")
	}
}

func TestStore_Schedules(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	next := now.Add(time.Minute)
	require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
		Key:       "daily-report",
		Name:      "reports",
		Cron:      "0 6 * * *",
		Enabled:   true,
		NextRunAt: &next,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	err := store.UpsertSchedule(ctx, &queue.ScheduleConfig{Name: "reports"})
	assert.ErrorIs(t, err, queue.ErrScheduleKeyEmpty)

	// Not due before NextRunAt.
	due, err := store.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.DueSchedules(ctx, next.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "daily-report", due[0].Key)

	later := next.Add(24 * time.Hour)
	require.NoError(t, store.MarkScheduleRun(ctx, "daily-report", next, &later, 3))

	// Redefining keeps the run history.
	require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
		Key:       "daily-report",
		Name:      "reports",
		Cron:      "0 7 * * *",
		Enabled:   true,
		NextRunAt: &later,
	}))
	list, err := store.ListSchedules(ctx, "reports")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0 7 * * *", list[0].Cron)
	assert.Equal(t, 3, list[0].RunCount)
	require.NotNil(t, list[0].LastRunAt)

	// Disabled schedules never come due.
	ok, err := store.SetScheduleEnabled(ctx, "daily-report", false)
	require.NoError(t, err)
	assert.True(t, ok)
	due, err = store.DueSchedules(ctx, later.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	ok, err = store.RemoveSchedule(ctx, "daily-report")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.RemoveSchedule(ctx, "daily-report")
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.MarkScheduleRun(ctx, "daily-report", now, nil, 1)
	assert.ErrorIs(t, err, queue.ErrScheduleNotFound)
}
