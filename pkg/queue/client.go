package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Client enqueues jobs and queries their state.
type Client struct {
	repo     EnqueuerRepository
	notifier Notifier

	defaultMaxAttempts  int
	defaultBackoffType  BackoffType
	defaultBackoffDelay time.Duration
}

// NewClient creates a queue client over the given repository.
func NewClient(repo EnqueuerRepository, opts ...ClientOption) (*Client, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &clientOptions{
		maxAttempts:  3,
		backoffType:  BackoffExponential,
		backoffDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		repo:                repo,
		notifier:            options.notifier,
		defaultMaxAttempts:  options.maxAttempts,
		defaultBackoffType:  options.backoffType,
		defaultBackoffDelay: options.backoffDelay,
	}, nil
}

// Enqueue adds a job to the named queue and returns its ID. When the job
// carries an idempotency key that already exists in the queue, the existing
// job's ID is returned and nothing new is created.
func (c *Client) Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (uuid.UUID, error) {
	if queue == "" {
		return uuid.Nil, ErrQueueNameEmpty
	}
	if payload == nil {
		return uuid.Nil, ErrPayloadNil
	}

	options := &enqueueOptions{
		maxAttempts:  c.defaultMaxAttempts,
		backoffType:  c.defaultBackoffType,
		backoffDelay: c.defaultBackoffDelay,
	}
	for _, opt := range opts {
		opt(options)
	}
	if !options.backoffType.Valid() {
		return uuid.Nil, ErrInvalidBackoffType
	}

	job, err := c.buildJob(queue, payload, options)
	if err != nil {
		return uuid.Nil, err
	}

	created, err := c.repo.CreateJob(ctx, job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job into %q: %w", queue, err)
	}

	// An upsert hit on (queue, key) returns the pre-existing job; the queued
	// event already fired for it.
	if created.ID == job.ID {
		notify(ctx, c.notifier, newEvent(EventJobQueued, created))
	}

	return created.ID, nil
}

// GetJob returns the current state of a job.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return c.repo.GetJob(ctx, jobID)
}

// Stats returns job counts for a queue; empty queue means all queues.
func (c *Client) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	return c.repo.Stats(ctx, queue)
}

func (c *Client) buildJob(queue string, payload any, options *enqueueOptions) (*Job, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload of type %T", ErrPayloadMarshal, payload)
		}
		data = b
	}

	now := time.Now()
	job := &Job{
		ID:           uuid.New(),
		Queue:        queue,
		Key:          options.key,
		Data:         data,
		Status:       StatusPending,
		Priority:     options.priority,
		MaxAttempts:  options.maxAttempts,
		BackoffType:  options.backoffType,
		BackoffDelay: options.backoffDelay,
		Metadata:     options.metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if options.scheduledFor != nil {
		job.ScheduledFor = options.scheduledFor
	} else if options.delay > 0 {
		at := now.Add(options.delay)
		job.ScheduledFor = &at
	}

	if len(options.stages) > 0 {
		job.Stages = NewStages(options.stages...)
	}

	return job, nil
}
