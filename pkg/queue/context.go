package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// JobContext is handed to a handler for the duration of one claim. It
// exposes the claimed job, heartbeat, stage reporting, and a logger scoped
// to the job. Every mutating call is fenced by the claim's lock token; once
// the token is stale the call returns ErrLockLost and the handler should
// abort, because another worker owns the job now.
type JobContext struct {
	job      *Job
	workerID uuid.UUID
	repo     WorkerRepository
	notifier Notifier
	logger   *slog.Logger
}

// Job returns the claimed job snapshot. The snapshot is owned by this
// handler invocation; the store's row remains the source of truth.
func (c *JobContext) Job() *Job { return c.job }

// Logger returns a logger pre-scoped with the job and queue.
func (c *JobContext) Logger() *slog.Logger { return c.logger }

// Heartbeat extends the claim by duration from now. The worker already
// heartbeats long-running jobs automatically; handlers call this before
// sections where automatic heartbeats could be missed.
func (c *JobContext) Heartbeat(ctx context.Context, duration time.Duration) error {
	ok, err := c.repo.ExtendLock(ctx, c.job.ID, c.lockedBy(), c.lockToken(), duration)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

// StartStage marks a stage processing and persists the stage list.
func (c *JobContext) StartStage(ctx context.Context, name string) error {
	stages := StartStage(c.job.Stages, name, time.Now())
	if err := c.persistStages(ctx, stages); err != nil {
		return err
	}

	ev := newEvent(EventStageStarted, c.job)
	ev.Stage = name
	notify(ctx, c.notifier, ev)
	return nil
}

// StageProgress reports 0-100 progress for a stage.
func (c *JobContext) StageProgress(ctx context.Context, name string, progress int) error {
	stages, err := SetStageProgress(c.job.Stages, name, progress)
	if err != nil {
		return err
	}
	if err := c.persistStages(ctx, stages); err != nil {
		return err
	}

	ev := newEvent(EventStageProgress, c.job)
	ev.Stage = name
	ev.Progress = progress
	notify(ctx, c.notifier, ev)
	return nil
}

// CompleteStage marks a stage completed, optionally recording artifacts.
func (c *JobContext) CompleteStage(ctx context.Context, name string, artifacts map[string]string) error {
	stages, err := CompleteStage(c.job.Stages, name, artifacts, time.Now())
	if err != nil {
		return err
	}
	if err := c.persistStages(ctx, stages); err != nil {
		return err
	}

	ev := newEvent(EventStageCompleted, c.job)
	ev.Stage = name
	ev.Progress = 100
	notify(ctx, c.notifier, ev)
	return nil
}

// FailStage marks a stage failed. The job itself keeps running; returning
// an error from the handler is what fails the job.
func (c *JobContext) FailStage(ctx context.Context, name string, stageErr error) error {
	msg := ""
	if stageErr != nil {
		msg = stageErr.Error()
	}
	stages, err := FailStage(c.job.Stages, name, msg, time.Now())
	if err != nil {
		return err
	}
	if err := c.persistStages(ctx, stages); err != nil {
		return err
	}

	ev := newEvent(EventStageFailed, c.job)
	ev.Stage = name
	ev.Error = msg
	notify(ctx, c.notifier, ev)
	return nil
}

// Progress returns the weighted overall progress of the job's stages.
func (c *JobContext) Progress() int {
	return OverallProgress(c.job.Stages)
}

func (c *JobContext) persistStages(ctx context.Context, stages []Stage) error {
	ok, err := c.repo.UpdateStages(ctx, c.job.ID, c.lockedBy(), c.lockToken(), stages)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	c.job.Stages = stages
	return nil
}

func (c *JobContext) lockedBy() uuid.UUID { return c.workerID }

// lockToken returns the claim's fencing token. A claimed job always carries
// one; the zero UUID never matches a live claim, so a missing token makes
// every guarded call a safe no-op.
func (c *JobContext) lockToken() uuid.UUID {
	if c.job.LockToken == nil {
		return uuid.Nil
	}
	return *c.job.LockToken
}
