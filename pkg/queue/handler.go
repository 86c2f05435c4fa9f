package queue

import (
	"context"
	"encoding/json"
)

type (
	// Handler processes jobs from one logical queue. Queue returns the
	// queue name the handler serves; the worker claims only from queues
	// with a registered handler.
	Handler interface {
		Queue() string
		Handle(ctx context.Context, job *JobContext) error
	}

	// HandlerFunc is a typed handler body: the job payload is unmarshaled
	// into T before invocation.
	HandlerFunc[T any] func(ctx context.Context, job *JobContext, payload T) error

	// RawHandlerFunc receives the payload untouched, for handlers that
	// inspect or forward the raw document.
	RawHandlerFunc func(ctx context.Context, job *JobContext) error
)

// NewHandler creates a typed handler for the given queue.
func NewHandler[T any](queue string, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{queue: queue, fn: fn}
}

// NewRawHandler creates a handler that works on the raw payload.
func NewRawHandler(queue string, fn RawHandlerFunc) Handler {
	return &rawHandler{queue: queue, fn: fn}
}

type typedHandler[T any] struct {
	queue string
	fn    HandlerFunc[T]
}

func (h *typedHandler[T]) Queue() string { return h.queue }

func (h *typedHandler[T]) Handle(ctx context.Context, job *JobContext) error {
	var payload T
	if len(job.Job().Data) > 0 {
		if err := json.Unmarshal(job.Job().Data, &payload); err != nil {
			return err
		}
	}
	return h.fn(ctx, job, payload)
}

type rawHandler struct {
	queue string
	fn    RawHandlerFunc
}

func (h *rawHandler) Queue() string { return h.queue }

func (h *rawHandler) Handle(ctx context.Context, job *JobContext) error {
	return h.fn(ctx, job)
}
