package queue

import "time"

// ClientOption is a functional option for configuring a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	notifier     Notifier
	maxAttempts  int
	backoffType  BackoffType
	backoffDelay time.Duration
}

// WithClientNotifier sets the notifier that receives job_queued events.
func WithClientNotifier(n Notifier) ClientOption {
	return func(o *clientOptions) {
		o.notifier = n
	}
}

// WithDefaultMaxAttempts sets the max attempts applied when an enqueue
// does not specify its own.
func WithDefaultMaxAttempts(n int) ClientOption {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithDefaultBackoff sets the backoff strategy applied when an enqueue
// does not specify its own.
func WithDefaultBackoff(t BackoffType, base time.Duration) ClientOption {
	return func(o *clientOptions) {
		if t.Valid() && base > 0 {
			o.backoffType = t
			o.backoffDelay = base
		}
	}
}

// EnqueueOption is a functional option for the Enqueue method
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	key          string
	priority     int
	delay        time.Duration
	scheduledFor *time.Time
	maxAttempts  int
	backoffType  BackoffType
	backoffDelay time.Duration
	metadata     map[string]string
	stages       []string
}

// WithKey sets an idempotency key; a second enqueue with the same key into
// the same queue is a no-op returning the existing job's ID.
func WithKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.key = key
	}
}

// WithPriority sets the job priority; higher claims first.
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = priority
	}
}

// WithDelay makes the job ineligible until delay from now.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if delay > 0 {
			o.delay = delay
		}
	}
}

// WithScheduledFor makes the job ineligible before the given time.
func WithScheduledFor(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduledFor = &at
	}
}

// WithMaxAttempts sets how many times the job may be attempted.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBackoff sets the per-job retry delay strategy and base delay.
func WithBackoff(t BackoffType, base time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.backoffType = t
		if base > 0 {
			o.backoffDelay = base
		}
	}
}

// WithMetadata attaches free-form metadata the engine passes through to
// lifecycle events (e.g. asset_type, asset_id).
func WithMetadata(md map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.metadata = md
	}
}

// WithStages pre-declares the job's ordered stage list.
func WithStages(names ...string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.stages = names
	}
}
