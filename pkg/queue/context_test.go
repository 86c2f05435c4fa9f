package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Stage reporting goes through a real worker because JobContext is bound to
// a live claim.
func TestJobContext_StageReporting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStore()
	notifier := &recordingNotifier{}

	created := newPendingJob(t, store, "media", func(j *queue.Job) {
		j.Stages = queue.NewStages("download", "transcode")
		j.Metadata = map[string]string{"asset_type": "video", "asset_id": "v-3"}
	})

	done := make(chan struct{})
	worker, err := queue.NewWorker(store,
		queue.WithPollInterval(20*time.Millisecond),
		queue.WithWorkerNotifier(notifier))
	require.NoError(t, err)
	require.NoError(t, worker.RegisterHandler(queue.NewRawHandler("media",
		func(ctx context.Context, jc *queue.JobContext) error {
			defer close(done)

			require.NoError(t, jc.StartStage(ctx, "download"))
			require.NoError(t, jc.StageProgress(ctx, "download", 50))
			require.NoError(t, jc.CompleteStage(ctx, "download", map[string]string{"path": "/tmp/in"}))
			assert.Equal(t, 50, jc.Progress())

			require.NoError(t, jc.StartStage(ctx, "transcode"))
			require.NoError(t, jc.CompleteStage(ctx, "transcode", nil))
			assert.Equal(t, 100, jc.Progress())

			require.NoError(t, jc.Heartbeat(ctx, time.Minute))
			return nil
		})))

	require.NoError(t, worker.Start(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	require.NoError(t, worker.Stop())

	final, err := store.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, final.Status)
	require.Len(t, final.Stages, 2)
	assert.Equal(t, queue.StatusCompleted, final.Stages[0].Status)
	assert.Equal(t, "/tmp/in", final.Stages[0].Artifacts["path"])

	// Event stream covers the full stage lifecycle plus completion, all
	// carrying the metadata routing fields.
	var types []queue.EventType
	for _, ev := range notifier.all() {
		types = append(types, ev.Type)
		assert.Equal(t, "video", ev.AssetType)
		assert.Equal(t, "v-3", ev.AssetID)
	}
	assert.Equal(t, []queue.EventType{
		queue.EventStageStarted,
		queue.EventStageProgress,
		queue.EventStageCompleted,
		queue.EventStageStarted,
		queue.EventStageCompleted,
		queue.EventJobCompleted,
	}, types)
}

// A handler operating on a reclaimed job must observe ErrLockLost from
// stage persistence.
func TestJobContext_LockLost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemoryStore()
	created := newPendingJob(t, store, "media")

	errs := make(chan error, 1)
	worker, err := queue.NewWorker(store, queue.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, worker.RegisterHandler(queue.NewRawHandler("media",
		func(ctx context.Context, jc *queue.JobContext) error {
			// Simulate lock expiry and takeover mid-handler.
			require.True(t, store.ExpireLock(created.ID))
			_, err := store.ClaimJob(ctx, "media", uuid.New(), time.Minute)
			require.NoError(t, err)

			errs <- jc.StartStage(ctx, "download")
			return nil
		})))

	require.NoError(t, worker.Start(ctx))
	defer worker.Stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, queue.ErrLockLost)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
}
