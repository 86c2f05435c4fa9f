package redisqueue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/queuekit/queuekit/pkg/queue"
)

// Schedules are process-local: each deployment re-registers its schedules
// on startup. The schedule:<key>:<unix> job idempotency key still keeps
// concurrent schedulers from double-materializing a fire, so running the
// registry on several nodes is safe, just not persistent.
type scheduleRegistry struct {
	mu        sync.RWMutex
	schedules map[string]*queue.ScheduleConfig
}

func newScheduleRegistry() *scheduleRegistry {
	return &scheduleRegistry{schedules: make(map[string]*queue.ScheduleConfig)}
}

// UpsertSchedule implements queue.SchedulerRepository.
func (s *Store) UpsertSchedule(ctx context.Context, cfg *queue.ScheduleConfig) error {
	if cfg == nil || cfg.Key == "" {
		return queue.ErrScheduleKeyEmpty
	}

	s.schedules.mu.Lock()
	defer s.schedules.mu.Unlock()

	cp := *cfg
	if existing, ok := s.schedules.schedules[cfg.Key]; ok {
		cp.RunCount = existing.RunCount
		cp.LastRunAt = existing.LastRunAt
		cp.CreatedAt = existing.CreatedAt
	}
	s.schedules.schedules[cp.Key] = &cp
	return nil
}

// RemoveSchedule implements queue.SchedulerRepository.
func (s *Store) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	s.schedules.mu.Lock()
	defer s.schedules.mu.Unlock()

	if _, ok := s.schedules.schedules[key]; !ok {
		return false, nil
	}
	delete(s.schedules.schedules, key)
	return true, nil
}

// SetScheduleEnabled implements queue.SchedulerRepository.
func (s *Store) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	s.schedules.mu.Lock()
	defer s.schedules.mu.Unlock()

	cfg, ok := s.schedules.schedules[key]
	if !ok {
		return false, nil
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = time.Now()
	return true, nil
}

// ListSchedules implements queue.SchedulerRepository.
func (s *Store) ListSchedules(ctx context.Context, name string) ([]*queue.ScheduleConfig, error) {
	s.schedules.mu.RLock()
	defer s.schedules.mu.RUnlock()

	out := make([]*queue.ScheduleConfig, 0, len(s.schedules.schedules))
	for _, cfg := range s.schedules.schedules {
		if name != "" && cfg.Name != name {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	sortSchedules(out)
	return out, nil
}

// DueSchedules implements queue.SchedulerRepository.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*queue.ScheduleConfig, error) {
	s.schedules.mu.RLock()
	defer s.schedules.mu.RUnlock()

	var out []*queue.ScheduleConfig
	for _, cfg := range s.schedules.schedules {
		if !cfg.Enabled || cfg.NextRunAt == nil || cfg.NextRunAt.After(now) {
			continue
		}
		cp := *cfg
		out = append(out, &cp)
	}
	sortSchedules(out)
	return out, nil
}

// MarkScheduleRun implements queue.SchedulerRepository.
func (s *Store) MarkScheduleRun(ctx context.Context, key string, lastRun time.Time, nextRun *time.Time, runCount int) error {
	s.schedules.mu.Lock()
	defer s.schedules.mu.Unlock()

	cfg, ok := s.schedules.schedules[key]
	if !ok {
		return queue.ErrScheduleNotFound
	}
	cfg.LastRunAt = &lastRun
	cfg.NextRunAt = nextRun
	cfg.RunCount = runCount
	cfg.UpdatedAt = time.Now()
	return nil
}

func sortSchedules(cfgs []*queue.ScheduleConfig) {
	sort.Slice(cfgs, func(i, j int) bool {
		return strings.Compare(cfgs[i].Key, cfgs[j].Key) < 0
	})
}
