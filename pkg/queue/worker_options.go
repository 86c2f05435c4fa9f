package queue

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WorkerOption is a functional option for configuring a worker
type WorkerOption func(*workerOptions)

type workerOptions struct {
	pollInterval    time.Duration
	lockDuration    time.Duration
	shutdownTimeout time.Duration
	sweepInterval   time.Duration
	concurrency     int
	workerID        uuid.UUID
	logger          *slog.Logger
	notifier        Notifier
	wakeup          <-chan struct{}
}

// WithPollInterval sets how often the worker checks for claimable jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLockDuration sets the claim TTL. Heartbeats renew it at a third of
// this duration while a handler is still running.
func WithLockDuration(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockDuration = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight handlers.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithSweepInterval sets how often the worker fails expired claims that
// are out of attempts.
func WithSweepInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithConcurrency sets how many jobs may run simultaneously.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithWorkerID pins the worker identity instead of generating one. Useful
// for stable identities across restarts and in tests.
func WithWorkerID(id uuid.UUID) WorkerOption {
	return func(o *workerOptions) {
		if id != uuid.Nil {
			o.workerID = id
		}
	}
}

// WithWorkerLogger sets the logger for the worker
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWorkerNotifier sets the notifier receiving job and stage events.
func WithWorkerNotifier(n Notifier) WorkerOption {
	return func(o *workerOptions) {
		o.notifier = n
	}
}

// WithWakeup attaches a push channel (LISTEN/NOTIFY, pub/sub) that wakes
// the poll loop early when a job is enqueued.
func WithWakeup(ch <-chan struct{}) WorkerOption {
	return func(o *workerOptions) {
		o.wakeup = ch
	}
}
