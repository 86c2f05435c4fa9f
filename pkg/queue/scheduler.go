package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions plus descriptors
// (@hourly, @daily, ...).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidCron, err)
	}
	return sched, nil
}

// Scheduler materializes recurring enqueues from persisted cron schedules.
// The store owns schedule state; multiple scheduler instances may tick
// concurrently because each fire enqueues with an idempotency key derived
// from the schedule key and the fire time.
type Scheduler struct {
	repo     SchedulerRepository
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the given repository.
func NewScheduler(repo SchedulerRepository, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &schedulerOptions{
		checkInterval: 30 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Scheduler{
		repo:     repo,
		interval: options.checkInterval,
		logger:   options.logger,
	}, nil
}

// Upsert creates or replaces a schedule by key and returns the key. The
// cron expression is validated and next_run_at computed here; when
// Immediately is set, one job is enqueued right away, independent of the
// cron's first natural tick.
func (s *Scheduler) Upsert(ctx context.Context, cfg ScheduleConfig) (string, error) {
	if cfg.Key == "" {
		return "", ErrScheduleKeyEmpty
	}
	if cfg.Name == "" {
		return "", ErrQueueNameEmpty
	}

	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return "", err
	}

	now := time.Now()
	next := sched.Next(now)
	cfg.NextRunAt = &next
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := s.repo.UpsertSchedule(ctx, &cfg); err != nil {
		return "", fmt.Errorf("failed to upsert schedule %q: %w", cfg.Key, err)
	}

	s.logger.Info("schedule upserted",
		slog.String("key", cfg.Key),
		slog.String("queue", cfg.Name),
		slog.String("cron", cfg.Cron),
		slog.Time("next_run_at", next))

	if cfg.Immediately && cfg.Enabled {
		// Fire from the stored schedule, not the caller's config: a
		// re-upsert keeps the existing run history, and the immediate run
		// must count on top of it.
		stored, err := s.stored(ctx, &cfg)
		if err != nil {
			return "", err
		}
		if err := s.fire(ctx, stored, now); err != nil {
			return "", err
		}
	}

	return cfg.Key, nil
}

// stored reads the schedule back after an upsert, falling back to the
// caller's config when the store cannot return it.
func (s *Scheduler) stored(ctx context.Context, cfg *ScheduleConfig) (*ScheduleConfig, error) {
	list, err := s.repo.ListSchedules(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to read back schedule %q: %w", cfg.Key, err)
	}
	for _, sc := range list {
		if sc.Key == cfg.Key {
			return sc, nil
		}
	}
	return cfg, nil
}

// Remove deletes a schedule; false when the key is unknown.
func (s *Scheduler) Remove(ctx context.Context, key string) (bool, error) {
	return s.repo.RemoveSchedule(ctx, key)
}

// SetEnabled halts or resumes a schedule without deleting its history.
func (s *Scheduler) SetEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	return s.repo.SetScheduleEnabled(ctx, key, enabled)
}

// List returns schedules, optionally filtered by queue name.
func (s *Scheduler) List(ctx context.Context, name string) ([]*ScheduleConfig, error) {
	return s.repo.ListSchedules(ctx, name)
}

// Start begins ticking in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSchedulerAlreadyStarted
	}

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(tickCtx)
	}()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts ticking and waits for an in-progress tick to finish. It is
// idempotent and safe to call concurrently.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		if stopped != nil {
			<-stopped
		}
		return nil
	}

	cancel()
	s.wg.Wait()
	close(stopped)

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next_run_at has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	due, err := s.repo.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to load due schedules", slog.String("error", err.Error()))
		return
	}

	for _, cfg := range due {
		if err := s.fire(ctx, cfg, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("key", cfg.Key),
				slog.String("error", err.Error()))
		}
	}
}

// fire enqueues one job for the schedule and persists the updated run
// bookkeeping. Run-limit and end-date exhaustion disable the schedule
// rather than delete it, preserving history.
func (s *Scheduler) fire(ctx context.Context, cfg *ScheduleConfig, now time.Time) error {
	if cfg.RunLimit > 0 && cfg.RunCount >= cfg.RunLimit {
		return s.disable(ctx, cfg.Key, "run limit reached")
	}
	if cfg.EndDate != nil && now.After(*cfg.EndDate) {
		return s.disable(ctx, cfg.Key, "end date passed")
	}

	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return err
	}

	job := &Job{
		ID:    uuid.New(),
		Queue: cfg.Name,
		// The fire-time key makes concurrent scheduler instances
		// materialize each tick at most once.
		Key:          fmt.Sprintf("schedule:%s:%d", cfg.Key, now.Unix()),
		Data:         cfg.Data,
		Status:       StatusPending,
		MaxAttempts:  3,
		BackoffType:  BackoffExponential,
		BackoffDelay: 30 * time.Second,
		Metadata:     map[string]string{"schedule_key": cfg.Key},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.repo.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue scheduled job: %w", err)
	}

	next := sched.Next(now)
	if err := s.repo.MarkScheduleRun(ctx, cfg.Key, now, &next, cfg.RunCount+1); err != nil {
		return fmt.Errorf("failed to record schedule run: %w", err)
	}

	s.logger.Info("schedule fired",
		slog.String("key", cfg.Key),
		slog.String("queue", cfg.Name),
		slog.Time("next_run_at", next))
	return nil
}

func (s *Scheduler) disable(ctx context.Context, key, reason string) error {
	if _, err := s.repo.SetScheduleEnabled(ctx, key, false); err != nil {
		return err
	}
	s.logger.Info("schedule disabled",
		slog.String("key", key),
		slog.String("reason", reason))
	return nil
}
