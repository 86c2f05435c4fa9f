package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuekit/queuekit/pkg/queue"
)

func TestParseCron(t *testing.T) {
	t.Parallel()

	t.Run("five-field expression", func(t *testing.T) {
		t.Parallel()

		sched, err := queue.ParseCron("*/5 * * * *")
		require.NoError(t, err)

		base := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), sched.Next(base))
	})

	t.Run("descriptor", func(t *testing.T) {
		t.Parallel()

		_, err := queue.ParseCron("@hourly")
		assert.NoError(t, err)
	})

	t.Run("invalid expression", func(t *testing.T) {
		t.Parallel()

		_, err := queue.ParseCron("not a cron")
		assert.ErrorIs(t, err, queue.ErrInvalidCron)
	})
}

func TestScheduler_Upsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		t.Parallel()

		sched, err := queue.NewScheduler(queue.NewMemoryStore())
		require.NoError(t, err)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{Name: "emails", Cron: "* * * * *"})
		assert.ErrorIs(t, err, queue.ErrScheduleKeyEmpty)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{Key: "digest", Cron: "* * * * *"})
		assert.ErrorIs(t, err, queue.ErrQueueNameEmpty)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{Key: "digest", Name: "emails", Cron: "bogus"})
		assert.ErrorIs(t, err, queue.ErrInvalidCron)
	})

	t.Run("computes next run", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		sched, err := queue.NewScheduler(store)
		require.NoError(t, err)

		key, err := sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "digest", Name: "emails", Cron: "0 9 * * *", Enabled: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "digest", key)

		schedules, err := store.ListSchedules(ctx, "emails")
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		require.NotNil(t, schedules[0].NextRunAt)
		assert.True(t, schedules[0].NextRunAt.After(time.Now()))
	})

	t.Run("immediately fires one job and counts the run", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		sched, err := queue.NewScheduler(store)
		require.NoError(t, err)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "warmup", Name: "media", Cron: "0 * * * *",
			Enabled: true, Immediately: true,
		})
		require.NoError(t, err)

		stats, err := store.Stats(ctx, "media")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)

		schedules, err := store.ListSchedules(ctx, "media")
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		assert.Equal(t, 1, schedules[0].RunCount)
		require.NotNil(t, schedules[0].LastRunAt)
	})

	t.Run("immediate fire on re-upsert keeps run history", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		sched, err := queue.NewScheduler(store)
		require.NoError(t, err)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "warmup", Name: "media", Cron: "0 * * * *", Enabled: true,
		})
		require.NoError(t, err)

		// The schedule has fired a few times since.
		now := time.Now()
		require.NoError(t, store.MarkScheduleRun(ctx, "warmup", now, &now, 3))

		// Redefining with an immediate fire counts on top of the stored
		// history, not on the zero-valued config the caller passed.
		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "warmup", Name: "media", Cron: "30 * * * *",
			Enabled: true, Immediately: true,
		})
		require.NoError(t, err)

		schedules, err := store.ListSchedules(ctx, "media")
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		assert.Equal(t, 4, schedules[0].RunCount)
	})

	t.Run("immediate fire honors the stored run limit", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		sched, err := queue.NewScheduler(store)
		require.NoError(t, err)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "capped", Name: "media", Cron: "0 * * * *",
			Enabled: true, RunLimit: 2,
		})
		require.NoError(t, err)
		now := time.Now()
		require.NoError(t, store.MarkScheduleRun(ctx, "capped", now, &now, 2))

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "capped", Name: "media", Cron: "0 * * * *",
			Enabled: true, RunLimit: 2, Immediately: true,
		})
		require.NoError(t, err)

		// No job enqueued; the exhausted schedule was disabled instead.
		stats, err := store.Stats(ctx, "media")
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})

	t.Run("immediate fire skipped when disabled", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		sched, err := queue.NewScheduler(store)
		require.NoError(t, err)

		_, err = sched.Upsert(ctx, queue.ScheduleConfig{
			Key: "warmup", Name: "media", Cron: "0 * * * *",
			Enabled: false, Immediately: true,
		})
		require.NoError(t, err)

		stats, err := store.Stats(ctx, "media")
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})
}

func TestScheduler_Ticking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("due schedule materializes a job", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
			Key: "cleanup", Name: "maintenance", Cron: "* * * * *",
			Enabled: true, NextRunAt: &past,
		}))

		sched, err := queue.NewScheduler(store, queue.WithCheckInterval(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, sched.Start(ctx))
		defer sched.Stop()

		waitFor(t, 2*time.Second, func() bool {
			stats, err := store.Stats(ctx, "maintenance")
			require.NoError(t, err)
			return stats.Pending == 1
		})

		// Scheduled jobs carry the schedule key in metadata and a
		// fire-time idempotency key.
		jobs, err := store.Stats(ctx, "maintenance")
		require.NoError(t, err)
		assert.Equal(t, int64(1), jobs.Total)

		schedules, err := store.ListSchedules(ctx, "maintenance")
		require.NoError(t, err)
		require.Len(t, schedules, 1)
		assert.Equal(t, 1, schedules[0].RunCount)
		require.NotNil(t, schedules[0].NextRunAt)
		assert.True(t, schedules[0].NextRunAt.After(time.Now().Add(-time.Second)))
	})

	t.Run("run limit disables instead of deleting", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
			Key: "limited", Name: "media", Cron: "* * * * *",
			Enabled: true, NextRunAt: &past, RunLimit: 2,
		}))
		require.NoError(t, store.MarkScheduleRun(ctx, "limited", past, &past, 2))

		sched, err := queue.NewScheduler(store, queue.WithCheckInterval(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, sched.Start(ctx))
		defer sched.Stop()

		waitFor(t, 2*time.Second, func() bool {
			schedules, err := store.ListSchedules(ctx, "media")
			require.NoError(t, err)
			return len(schedules) == 1 && !schedules[0].Enabled
		})

		// No job was materialized for the exhausted schedule.
		stats, err := store.Stats(ctx, "media")
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})

	t.Run("end date disables", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		ended := time.Now().Add(-time.Hour)
		require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
			Key: "expired", Name: "media", Cron: "* * * * *",
			Enabled: true, NextRunAt: &past, EndDate: &ended,
		}))

		sched, err := queue.NewScheduler(store, queue.WithCheckInterval(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, sched.Start(ctx))
		defer sched.Stop()

		waitFor(t, 2*time.Second, func() bool {
			schedules, err := store.ListSchedules(ctx, "media")
			require.NoError(t, err)
			return len(schedules) == 1 && !schedules[0].Enabled
		})
	})

	t.Run("fired schedule is not due again until its next tick", func(t *testing.T) {
		t.Parallel()

		store := queue.NewMemoryStore()
		past := time.Now().Add(-time.Minute)
		// Next natural fire is far in the future once the due one runs.
		require.NoError(t, store.UpsertSchedule(ctx, &queue.ScheduleConfig{
			Key: "yearly", Name: "media", Cron: "0 0 1 1 *",
			Enabled: true, NextRunAt: &past,
		}))

		sched, err := queue.NewScheduler(store, queue.WithCheckInterval(20*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, sched.Start(ctx))
		defer sched.Stop()

		waitFor(t, 2*time.Second, func() bool {
			stats, err := store.Stats(ctx, "media")
			require.NoError(t, err)
			return stats.Total >= 1
		})

		// Several more ticks pass; the advanced next_run_at keeps the
		// schedule from re-firing.
		time.Sleep(100 * time.Millisecond)
		stats, err := store.Stats(ctx, "media")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("double start and idempotent stop", func(t *testing.T) {
		t.Parallel()

		sched, err := queue.NewScheduler(queue.NewMemoryStore())
		require.NoError(t, err)

		require.NoError(t, sched.Start(ctx))
		assert.ErrorIs(t, sched.Start(ctx), queue.ErrSchedulerAlreadyStarted)

		require.NoError(t, sched.Stop())
		require.NoError(t, sched.Stop())
	})
}
