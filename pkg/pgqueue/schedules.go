package pgqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/queuekit/queuekit/pkg/queue"
)

const scheduleColumns = `key, name, cron, data, enabled, immediately,
	last_run_at, next_run_at, run_limit, run_count, end_date, created_at, updated_at`

// upsertScheduleSQL redefines a schedule in place. Run history
// (last_run_at, run_count, created_at) survives redefinition.
const upsertScheduleSQL = `
INSERT INTO queue_schedules (key, name, cron, data, enabled, immediately, next_run_at, run_limit, end_date)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE SET
	name = EXCLUDED.name,
	cron = EXCLUDED.cron,
	data = EXCLUDED.data,
	enabled = EXCLUDED.enabled,
	immediately = EXCLUDED.immediately,
	next_run_at = EXCLUDED.next_run_at,
	run_limit = EXCLUDED.run_limit,
	end_date = EXCLUDED.end_date,
	updated_at = now()`

// UpsertSchedule implements queue.SchedulerRepository.
func (s *Store) UpsertSchedule(ctx context.Context, cfg *queue.ScheduleConfig) error {
	if cfg == nil || cfg.Key == "" {
		return queue.ErrScheduleKeyEmpty
	}

	_, err := s.pool.Exec(ctx, upsertScheduleSQL,
		cfg.Key, cfg.Name, cfg.Cron, []byte(cfg.Data),
		cfg.Enabled, cfg.Immediately, cfg.NextRunAt, cfg.RunLimit, cfg.EndDate)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %q: %w", cfg.Key, err)
	}
	return nil
}

// RemoveSchedule implements queue.SchedulerRepository.
func (s *Store) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_schedules WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove schedule %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetScheduleEnabled implements queue.SchedulerRepository.
func (s *Store) SetScheduleEnabled(ctx context.Context, key string, enabled bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_schedules SET enabled = $2, updated_at = now() WHERE key = $1`,
		key, enabled)
	if err != nil {
		return false, fmt.Errorf("failed to toggle schedule %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSchedules implements queue.SchedulerRepository.
func (s *Store) ListSchedules(ctx context.Context, name string) ([]*queue.ScheduleConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM queue_schedules WHERE ($1 = '' OR name = $1) ORDER BY key`,
		name)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// DueSchedules implements queue.SchedulerRepository.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*queue.ScheduleConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM queue_schedules
		 WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY key`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to load due schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// MarkScheduleRun implements queue.SchedulerRepository.
func (s *Store) MarkScheduleRun(ctx context.Context, key string, lastRun time.Time, nextRun *time.Time, runCount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_schedules
		 SET last_run_at = $2, next_run_at = $3, run_count = $4, updated_at = now()
		 WHERE key = $1`,
		key, lastRun, nextRun, runCount)
	if err != nil {
		return fmt.Errorf("failed to record run for schedule %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrScheduleNotFound
	}
	return nil
}

func collectSchedules(rows pgx.Rows) ([]*queue.ScheduleConfig, error) {
	var out []*queue.ScheduleConfig
	for rows.Next() {
		var (
			cfg  queue.ScheduleConfig
			data []byte
		)
		if err := rows.Scan(
			&cfg.Key, &cfg.Name, &cfg.Cron, &data, &cfg.Enabled, &cfg.Immediately,
			&cfg.LastRunAt, &cfg.NextRunAt, &cfg.RunLimit, &cfg.RunCount, &cfg.EndDate,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		cfg.Data = data
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
