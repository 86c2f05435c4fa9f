package queue

import "time"

// Config holds the configuration for the job queue
type Config struct {
	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	LockDuration    time.Duration `env:"QUEUE_LOCK_DURATION" envDefault:"5m"`
	ShutdownTimeout time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Concurrency     int           `env:"QUEUE_CONCURRENCY" envDefault:"10"`

	DefaultMaxAttempts  int           `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	DefaultBackoffType  BackoffType   `env:"QUEUE_DEFAULT_BACKOFF_TYPE" envDefault:"exponential"`
	DefaultBackoffDelay time.Duration `env:"QUEUE_DEFAULT_BACKOFF_DELAY" envDefault:"30s"`

	SchedulerInterval time.Duration `env:"QUEUE_SCHEDULER_INTERVAL" envDefault:"30s"`
}
