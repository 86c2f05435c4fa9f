package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Worker claims jobs from the queues its handlers serve and executes them
// with bounded concurrency. While a handler runs, the worker heartbeats the
// claim so long jobs are not reclaimed out from under it; on handler return
// it completes or fails the job under the claim's fencing token.
type Worker struct {
	repo     WorkerRepository
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex // Protects stopping state and WaitGroup operations

	inFlightMu sync.Mutex
	inFlight   map[uuid.UUID]context.CancelFunc

	// Configuration
	pollInterval    time.Duration
	lockDuration    time.Duration
	shutdownTimeout time.Duration
	sweepInterval   time.Duration
	logger          *slog.Logger
	notifier        Notifier
	wakeup          <-chan struct{}

	// State management
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  chan struct{}
	stopping atomic.Bool
	running  atomic.Bool
}

// NewWorker creates a job worker over the given repository.
func NewWorker(repo WorkerRepository, opts ...WorkerOption) (*Worker, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &workerOptions{
		pollInterval:    5 * time.Second,
		lockDuration:    5 * time.Minute,
		shutdownTimeout: 30 * time.Second,
		sweepInterval:   time.Minute,
		concurrency:     1,
		workerID:        uuid.New(),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:            repo,
		handlers:        make(map[string]Handler),
		inFlight:        make(map[uuid.UUID]context.CancelFunc),
		workerID:        options.workerID,
		sem:             make(chan struct{}, options.concurrency),
		pollInterval:    options.pollInterval,
		lockDuration:    options.lockDuration,
		shutdownTimeout: options.shutdownTimeout,
		sweepInterval:   options.sweepInterval,
		logger:          options.logger,
		notifier:        options.notifier,
		wakeup:          options.wakeup,
	}, nil
}

// RegisterHandler registers a handler for its queue. The worker claims only
// from queues that have a handler.
func (w *Worker) RegisterHandler(handler Handler) error {
	if handler == nil {
		return nil
	}
	if handler.Queue() == "" {
		return ErrQueueNameEmpty
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[handler.Queue()] = handler
	w.queues = queueNames(w.handlers)
	return nil
}

// RegisterHandlers registers multiple handlers.
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// WorkerID returns this worker's identity as recorded in job claims.
func (w *Worker) WorkerID() uuid.UUID { return w.workerID }

// IsRunning reports whether the worker is accepting or processing jobs. It
// stays true until Stop completes.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Start begins claiming and processing jobs in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWorkerAlreadyStarted
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	w.mu.Unlock()

	w.stopping.Store(false)
	w.running.Store(true)

	go w.run()
	go w.sweepLoop()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("queues", w.queues),
		slog.Int("concurrency", cap(w.sem)))

	return nil
}

// Stop gracefully shuts down the worker: no new claims, in-flight handlers
// get up to the shutdown timeout to finish, then their contexts are
// canceled and Stop returns regardless. Stop is idempotent and safe to call
// concurrently; it returns once shutdown has completed.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		stopped := w.stopped
		w.mu.Unlock()
		if stopped != nil {
			<-stopped
		}
		return nil
	}
	cancel := w.cancel
	stopped := w.stopped
	w.cancel = nil
	w.mu.Unlock()

	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel()

	w.logger.Info("worker stopping, waiting for active jobs to complete",
		slog.String("worker_id", w.workerID.String()))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("shutdown timeout reached, canceling in-flight jobs",
			slog.String("worker_id", w.workerID.String()))
		w.cancelInFlight()
	}

	w.running.Store(false)
	close(stopped)

	w.logger.Info("worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run starts the worker and returns a function suitable for errgroup.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()

		return w.Stop()
	}
}

// run is the main claim loop: a fixed-interval poll, optionally woken early
// by the store's notify channel so pickup latency beats the interval.
func (w *Worker) run() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Claim immediately on start rather than waiting out the first tick.
	w.poll()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		case _, ok := <-w.wakeup:
			if !ok {
				w.wakeup = nil
				continue
			}
			w.poll()
		}
	}
}

// sweepLoop periodically fails expired claims that are out of attempts, so
// a job whose worker crashed on the final attempt reaches a terminal state
// instead of sitting in processing forever.
func (w *Worker) sweepLoop() {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Worker) sweep() {
	w.mu.RLock()
	queues := w.queues
	w.mu.RUnlock()

	for _, q := range queues {
		n, err := w.repo.FailExpired(w.ctx, q)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Error("expired job sweep failed",
				slog.String("worker_id", w.workerID.String()),
				slog.String("queue", q),
				slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			w.logger.Warn("expired jobs marked failed",
				slog.String("worker_id", w.workerID.String()),
				slog.String("queue", q),
				slog.Int("count", n))
		}
	}
}

// poll fills available concurrency slots with claimed jobs until the store
// has nothing eligible or all slots are busy.
func (w *Worker) poll() {
	for {
		if w.stopping.Load() || w.ctx.Err() != nil {
			return
		}

		select {
		case w.sem <- struct{}{}:
		default:
			return // all slots busy
		}

		job, err := w.claimNext()
		if err != nil {
			<-w.sem
			w.logger.Error("claim failed, backing off until next poll",
				slog.String("worker_id", w.workerID.String()),
				slog.String("error", err.Error()))
			return
		}
		if job == nil {
			<-w.sem
			return
		}

		// stopMu ensures we never Add after Stop started waiting.
		w.stopMu.Lock()
		if w.stopping.Load() {
			w.stopMu.Unlock()
			<-w.sem
			// The claim already happened; let the lock lapse so another
			// worker recovers it without consuming an extra attempt here.
			return
		}
		w.wg.Add(1)
		w.stopMu.Unlock()

		go func(job *Job) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.processJob(job)
		}(job)
	}
}

// claimNext tries each registered queue in stable order and returns the
// first claim, or nil when nothing is eligible anywhere.
func (w *Worker) claimNext() (*Job, error) {
	w.mu.RLock()
	queues := w.queues
	w.mu.RUnlock()

	for _, q := range queues {
		job, err := w.repo.ClaimJob(w.ctx, q, w.workerID, w.lockDuration)
		if err != nil {
			return nil, fmt.Errorf("failed to claim from queue %q: %w", q, err)
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// processJob executes one claimed job: heartbeat goroutine alongside the
// handler, then a fenced complete/fail/reschedule depending on the outcome.
func (w *Worker) processJob(job *Job) {
	start := time.Now()

	w.mu.RLock()
	handler, ok := w.handlers[job.Queue]
	w.mu.RUnlock()
	if !ok {
		// Cannot happen through claimNext; a store handing back a foreign
		// queue is a bug worth surfacing.
		w.logger.Error("claimed job from queue without handler",
			slog.String("job_id", job.ID.String()),
			slog.String("queue", job.Queue))
		return
	}

	// The handler context is detached from the worker's poll context so
	// graceful shutdown lets handlers finish. It is canceled by heartbeat
	// fencing loss or the shutdown timeout.
	hctx, hcancel := context.WithCancel(context.Background())
	defer hcancel()
	w.trackInFlight(job.ID, hcancel)
	defer w.untrackInFlight(job.ID)

	jc := &JobContext{
		job:      job,
		workerID: w.workerID,
		repo:     w.repo,
		notifier: w.notifier,
		logger: w.logger.With(
			slog.String("job_id", job.ID.String()),
			slog.String("queue", job.Queue),
			slog.Int("attempt", job.Attempts)),
	}

	hbDone := make(chan struct{})
	hbStop := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hctx, job, hcancel, hbStop)
	}()

	err := w.invokeHandler(hctx, handler, jc)
	close(hbStop)
	<-hbDone

	duration := time.Since(start)

	// Outcome writes use a fresh context so a stopping worker still
	// records results for jobs it finished.
	octx, ocancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer ocancel()

	switch {
	case err == nil:
		w.handleSuccess(octx, jc, duration)
	default:
		if rle, ok := AsRateLimitError(err); ok {
			w.handleRateLimit(octx, jc, rle)
			return
		}
		w.handleFailure(octx, jc, err, duration)
	}
}

// invokeHandler runs the handler with panic recovery; a panic is reported
// as an ordinary job failure.
func (w *Worker) invokeHandler(ctx context.Context, handler Handler, jc *JobContext) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.logger.Error("handler panicked",
				slog.String("worker_id", w.workerID.String()),
				slog.String("job_id", jc.job.ID.String()),
				slog.Any("panic", r))
		}
	}()
	return handler.Handle(ctx, jc)
}

// heartbeat extends the claim at a third of the lock duration while the
// handler runs. Losing the fence cancels the handler: another worker owns
// the job now and anything this one produces is moot.
func (w *Worker) heartbeat(ctx context.Context, job *Job, cancelHandler context.CancelFunc, stop <-chan struct{}) {
	interval := w.lockDuration / 3
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	token := uuid.Nil
	if job.LockToken != nil {
		token = *job.LockToken
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.repo.ExtendLock(ctx, job.ID, w.workerID, token, w.lockDuration)
			if err != nil {
				w.logger.Warn("heartbeat failed",
					slog.String("job_id", job.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			if !ok {
				w.logger.Warn("lock reclaimed by another worker, canceling handler",
					slog.String("job_id", job.ID.String()),
					slog.String("worker_id", w.workerID.String()))
				cancelHandler()
				return
			}
		}
	}
}

func (w *Worker) handleSuccess(ctx context.Context, jc *JobContext, duration time.Duration) {
	job := jc.job
	ok, err := w.repo.CompleteJob(ctx, job.ID, w.workerID, jc.lockToken())
	if err != nil {
		w.logger.Error("failed to mark job completed",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.logger.Warn("completion dropped, lock lost to another worker",
			slog.String("job_id", job.ID.String()),
			slog.String("worker_id", w.workerID.String()))
		return
	}

	w.logger.Info("job completed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("queue", job.Queue),
		slog.Duration("duration", duration))

	notify(ctx, w.notifier, newEvent(EventJobCompleted, job))
}

func (w *Worker) handleFailure(ctx context.Context, jc *JobContext, execErr error, duration time.Duration) {
	job := jc.job
	w.logger.Error("job failed",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.String("queue", job.Queue),
		slog.Int("attempt", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("duration", duration),
		slog.String("error", execErr.Error()))

	ok, err := w.repo.FailJob(ctx, job.ID, w.workerID, jc.lockToken(), execErr.Error())
	if err != nil {
		w.logger.Error("failed to record job failure",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.logger.Warn("failure dropped, lock lost to another worker",
			slog.String("job_id", job.ID.String()),
			slog.String("worker_id", w.workerID.String()))
		return
	}

	// Attempts were incremented at claim time, so the snapshot is current.
	if job.AttemptsExhausted() {
		ev := newEvent(EventJobFailed, job)
		ev.Error = execErr.Error()
		notify(ctx, w.notifier, ev)
	}
}

// handleRateLimit reschedules the job without consuming an attempt: the
// handler hit external throttling, not a defect.
func (w *Worker) handleRateLimit(ctx context.Context, jc *JobContext, rle *RateLimitError) {
	job := jc.job
	w.logger.Info("job rate limited, rescheduling",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", job.ID.String()),
		slog.Duration("delay", rle.Delay))

	ok, err := w.repo.RescheduleJob(ctx, job.ID, w.workerID, jc.lockToken(), rle.Delay)
	if err != nil {
		w.logger.Error("failed to reschedule rate-limited job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.logger.Warn("reschedule dropped, lock lost to another worker",
			slog.String("job_id", job.ID.String()),
			slog.String("worker_id", w.workerID.String()))
	}
}

func (w *Worker) trackInFlight(jobID uuid.UUID, cancel context.CancelFunc) {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	w.inFlight[jobID] = cancel
}

func (w *Worker) untrackInFlight(jobID uuid.UUID) {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	delete(w.inFlight, jobID)
}

func (w *Worker) cancelInFlight() {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	for _, cancel := range w.inFlight {
		cancel()
	}
}

func queueNames(handlers map[string]Handler) []string {
	names := make([]string, 0, len(handlers))
	for q := range handlers {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}
