package httpqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Transport is the worker-side view of the long-poll contract. *Client
// satisfies it; tests substitute fakes.
type Transport interface {
	Wait(ctx context.Context, queue string, workerID uuid.UUID, lockDuration, timeout time.Duration) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID, lockToken uuid.UUID, duration time.Duration) (bool, error)
	Complete(ctx context.Context, jobID, workerID, lockToken uuid.UUID) (bool, error)
	Fail(ctx context.Context, jobID, workerID, lockToken uuid.UUID, errMsg string) (bool, error)
	Reschedule(ctx context.Context, jobID, workerID, lockToken uuid.UUID, delay time.Duration) (bool, error)
}

// JobFunc processes one remote job. Returning a queue.RateLimitError
// reschedules the job without consuming an attempt, same as in-process
// handlers.
type JobFunc func(ctx context.Context, job *queue.Job) error

// Poller mirrors the in-process worker over the HTTP transport: long-poll
// claim, periodic heartbeat while the handler runs, fenced outcome write.
// Fence loss cancels the handler's context.
type Poller struct {
	transport Transport
	workerID  uuid.UUID
	logger    *slog.Logger

	handlers map[string]JobFunc
	queues   []string

	concurrency  int
	lockDuration time.Duration
	waitTimeout  time.Duration
	retryDelay   time.Duration
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerConcurrency sets how many jobs may run at once.
func WithPollerConcurrency(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollerLockDuration sets the claim lease requested from the server.
func WithPollerLockDuration(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.lockDuration = d
		}
	}
}

// WithWaitTimeout sets the long-poll window requested per /wait call.
func WithWaitTimeout(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.waitTimeout = d
		}
	}
}

// WithRetryDelay sets the pause after a transport error before the next
// wait attempt.
func WithRetryDelay(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithPollerWorkerID pins the worker identity; defaults to a random UUID.
func WithPollerWorkerID(id uuid.UUID) PollerOption {
	return func(p *Poller) {
		if id != uuid.Nil {
			p.workerID = id
		}
	}
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a remote worker over the given transport.
func NewPoller(transport Transport, opts ...PollerOption) (*Poller, error) {
	if transport == nil {
		return nil, queue.ErrRepositoryNil
	}
	p := &Poller{
		transport:    transport,
		workerID:     uuid.New(),
		logger:       slog.Default(),
		handlers:     make(map[string]JobFunc),
		concurrency:  1,
		lockDuration: 5 * time.Minute,
		waitTimeout:  30 * time.Second,
		retryDelay:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handle registers fn for a queue. Must be called before Run.
func (p *Poller) Handle(queueName string, fn JobFunc) error {
	if queueName == "" {
		return queue.ErrQueueNameEmpty
	}
	if _, dup := p.handlers[queueName]; !dup {
		p.queues = append(p.queues, queueName)
		sort.Strings(p.queues)
	}
	p.handlers[queueName] = fn
	return nil
}

// Run blocks until ctx is cancelled, long-polling with `concurrency`
// parallel loops. In-flight handlers observe the cancellation through
// their own context.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return queue.ErrNoHandlers
	}

	p.logger.Info("poller starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Any("queues", p.queues),
		slog.Int("concurrency", p.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("poller stopped", slog.String("worker_id", p.workerID.String()))
	return err
}

// loop round-robins the registered queues, long-polling each in turn.
func (p *Poller) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		for _, q := range p.queues {
			if ctx.Err() != nil {
				return
			}

			job, err := p.transport.Wait(ctx, q, p.workerID, p.lockDuration, p.waitTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("wait failed",
					slog.String("queue", q),
					slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.retryDelay):
				}
				continue
			}
			if job != nil {
				p.process(ctx, job)
			}
		}
	}
}

func (p *Poller) process(ctx context.Context, job *queue.Job) {
	start := time.Now()

	fn, ok := p.handlers[job.Queue]
	if !ok {
		p.logger.Error("claimed job from queue without handler",
			slog.String("job_id", job.ID.String()),
			slog.String("queue", job.Queue))
		return
	}

	token := uuid.Nil
	if job.LockToken != nil {
		token = *job.LockToken
	}

	hctx, hcancel := context.WithCancel(ctx)
	defer hcancel()

	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hctx, job.ID, token, hcancel, hbStop)
	}()

	err := p.invoke(hctx, fn, job)
	close(hbStop)
	<-hbDone

	// Outcome writes get a fresh context so shutdown still records results
	// for jobs that finished.
	octx, ocancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ocancel()

	switch {
	case err == nil:
		ok, werr := p.transport.Complete(octx, job.ID, p.workerID, token)
		p.reportOutcome("completed", job, ok, werr, time.Since(start))
	default:
		if rle, isRL := queue.AsRateLimitError(err); isRL {
			ok, werr := p.transport.Reschedule(octx, job.ID, p.workerID, token, rle.Delay)
			p.reportOutcome("rescheduled", job, ok, werr, time.Since(start))
			return
		}
		ok, werr := p.transport.Fail(octx, job.ID, p.workerID, token, err.Error())
		p.reportOutcome("failed", job, ok, werr, time.Since(start))
	}
}

func (p *Poller) invoke(ctx context.Context, fn JobFunc, job *queue.Job) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			p.logger.Error("handler panicked",
				slog.String("worker_id", p.workerID.String()),
				slog.String("job_id", job.ID.String()),
				slog.Any("panic", r))
		}
	}()
	return fn(ctx, job)
}

// heartbeat extends the remote lease at a third of the lock duration.
// Losing the fence cancels the handler: another worker owns the job now.
func (p *Poller) heartbeat(ctx context.Context, jobID, token uuid.UUID, cancelHandler context.CancelFunc, stop <-chan struct{}) {
	interval := p.lockDuration / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.transport.Heartbeat(ctx, jobID, p.workerID, token, p.lockDuration)
			if err != nil {
				p.logger.Warn("heartbeat failed",
					slog.String("job_id", jobID.String()),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				p.logger.Warn("lock reclaimed by another worker, canceling handler",
					slog.String("job_id", jobID.String()),
					slog.String("worker_id", p.workerID.String()))
				cancelHandler()
				return
			}
		}
	}
}

func (p *Poller) reportOutcome(outcome string, job *queue.Job, fenced bool, err error, took time.Duration) {
	switch {
	case err != nil:
		p.logger.Error("outcome write failed",
			slog.String("outcome", outcome),
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	case !fenced:
		p.logger.Warn("outcome discarded, lock lost",
			slog.String("outcome", outcome),
			slog.String("job_id", job.ID.String()))
	default:
		p.logger.Info("job "+outcome,
			slog.String("job_id", job.ID.String()),
			slog.String("queue", job.Queue),
			slog.Duration("took", took))
	}
}
