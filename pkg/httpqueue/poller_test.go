package httpqueue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuekit/queuekit/pkg/httpqueue"
	"github.com/queuekit/queuekit/pkg/queue"
)

// fakeTransport serves a fixed set of jobs and records outcome calls.
type fakeTransport struct {
	mu   sync.Mutex
	jobs []*queue.Job

	completed   []uuid.UUID
	failed      map[uuid.UUID]string
	rescheduled map[uuid.UUID]time.Duration
	heartbeats  int
	heartbeatOK bool
}

func newFakeTransport(jobs ...*queue.Job) *fakeTransport {
	return &fakeTransport{
		jobs:        jobs,
		failed:      make(map[uuid.UUID]string),
		rescheduled: make(map[uuid.UUID]time.Duration),
		heartbeatOK: true,
	}
}

func (f *fakeTransport) Wait(ctx context.Context, q string, workerID uuid.UUID, lockDuration, timeout time.Duration) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, job := range f.jobs {
		if job.Queue == q {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return job, nil
		}
	}
	// Emulate an empty long-poll window without busy-spinning the test.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeTransport) Heartbeat(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatOK, nil
}

func (f *fakeTransport) Complete(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return true, nil
}

func (f *fakeTransport) Fail(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errMsg
	return true, nil
}

func (f *fakeTransport) Reschedule(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled[jobID] = delay
	return true, nil
}

func (f *fakeTransport) snapshot() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := &fakeTransport{
		completed:   append([]uuid.UUID(nil), f.completed...),
		failed:      make(map[uuid.UUID]string, len(f.failed)),
		rescheduled: make(map[uuid.UUID]time.Duration, len(f.rescheduled)),
		heartbeats:  f.heartbeats,
	}
	for k, v := range f.failed {
		cp.failed[k] = v
	}
	for k, v := range f.rescheduled {
		cp.rescheduled[k] = v
	}
	return cp
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remoteJob(q string) *queue.Job {
	token := uuid.New()
	now := time.Now()
	return &queue.Job{
		ID:          uuid.New(),
		Queue:       q,
		Data:        []byte(`{}`),
		Status:      queue.StatusProcessing,
		Attempts:    1,
		MaxAttempts: 3,
		LockToken:   &token,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestNewPoller(t *testing.T) {
	t.Parallel()

	t.Run("nil transport", func(t *testing.T) {
		t.Parallel()

		p, err := httpqueue.NewPoller(nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
		assert.Nil(t, p)
	})

	t.Run("run without handlers", func(t *testing.T) {
		t.Parallel()

		p, err := httpqueue.NewPoller(newFakeTransport())
		require.NoError(t, err)
		assert.ErrorIs(t, p.Run(context.Background()), queue.ErrNoHandlers)
	})

	t.Run("handler for empty queue rejected", func(t *testing.T) {
		t.Parallel()

		p, err := httpqueue.NewPoller(newFakeTransport())
		require.NoError(t, err)
		assert.ErrorIs(t, p.Handle("", func(ctx context.Context, job *queue.Job) error { return nil }),
			queue.ErrQueueNameEmpty)
	})
}

func TestPoller_Outcomes(t *testing.T) {
	t.Parallel()

	okJob := remoteJob("media")
	badJob := remoteJob("media")
	slowJob := remoteJob("media")

	transport := newFakeTransport(okJob, badJob, slowJob)

	var processed sync.WaitGroup
	processed.Add(3)

	p, err := httpqueue.NewPoller(transport, httpqueue.WithRetryDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, p.Handle("media", func(ctx context.Context, job *queue.Job) error {
		defer processed.Done()
		switch job.ID {
		case badJob.ID:
			return errors.New("remote boom")
		case slowJob.ID:
			return queue.NewRateLimitError(time.Minute)
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		processed.Wait()
		cancel()
	}()

	require.NoError(t, p.Run(ctx))

	got := transport.snapshot()
	assert.Equal(t, []uuid.UUID{okJob.ID}, got.completed)
	assert.Equal(t, "remote boom", got.failed[badJob.ID])
	assert.Equal(t, time.Minute, got.rescheduled[slowJob.ID])
}

// A rate-limit signal with no delay still means "retry, attempt refunded",
// never a failure.
func TestPoller_ZeroDelayRateLimitReschedules(t *testing.T) {
	t.Parallel()

	job := remoteJob("media")
	transport := newFakeTransport(job)

	done := make(chan struct{})
	p, err := httpqueue.NewPoller(transport)
	require.NoError(t, err)
	require.NoError(t, p.Handle("media", func(ctx context.Context, job *queue.Job) error {
		defer close(done)
		return queue.NewRateLimitError(0)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, p.Run(ctx))

	got := transport.snapshot()
	assert.Contains(t, got.rescheduled, job.ID)
	assert.Empty(t, got.failed)
}

func TestPoller_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	job := remoteJob("media")
	transport := newFakeTransport(job)

	done := make(chan struct{})
	p, err := httpqueue.NewPoller(transport, httpqueue.WithPollerLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, p.Handle("media", func(ctx context.Context, job *queue.Job) error {
		defer close(done)
		panic("remote kaboom")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		// Give the outcome write a moment before stopping the loop.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, p.Run(ctx))

	got := transport.snapshot()
	assert.Contains(t, got.failed[job.ID], "panic in handler")
}

func TestPoller_HeartbeatLossCancelsHandler(t *testing.T) {
	t.Parallel()

	job := remoteJob("media")
	transport := newFakeTransport(job)
	transport.heartbeatOK = false

	canceled := make(chan struct{})
	p, err := httpqueue.NewPoller(transport,
		httpqueue.WithPollerLockDuration(3*time.Second), // heartbeat every second
		httpqueue.WithPollerLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, p.Handle("media", func(ctx context.Context, job *queue.Job) error {
		select {
		case <-ctx.Done():
			close(canceled)
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return errors.New("handler was never canceled")
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-canceled:
		case <-time.After(5 * time.Second):
		}
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, p.Run(ctx))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("fence loss did not cancel the handler")
	}
}

// End to end: poller against the real server over the memory store.
func TestPoller_AgainstServer(t *testing.T) {
	t.Parallel()

	store := queue.NewMemoryStore()
	client := newTestServer(t, store,
		httpqueue.WithRecheckInterval(20*time.Millisecond),
		httpqueue.WithWakeup(store.Wakeups()))

	created := enqueue(t, store, "media")

	done := make(chan struct{})
	p, err := httpqueue.NewPoller(client,
		httpqueue.WithWaitTimeout(time.Second),
		httpqueue.WithPollerConcurrency(2))
	require.NoError(t, err)
	require.NoError(t, p.Handle("media", func(ctx context.Context, job *queue.Job) error {
		defer close(done)
		assert.Equal(t, created.ID, job.ID)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, p.Run(ctx))

	final, err := store.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, final.Status)
}
