package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/queuekit/queuekit/pkg/queue"
)

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		backoffType queue.BackoffType
		base        time.Duration
		attempts    int
		want        time.Duration
	}{
		{"fixed ignores attempts", queue.BackoffFixed, 10 * time.Second, 5, 10 * time.Second},
		{"linear scales with attempts", queue.BackoffLinear, 10 * time.Second, 3, 30 * time.Second},
		{"exponential first attempt", queue.BackoffExponential, 30 * time.Second, 1, 30 * time.Second},
		{"exponential doubles", queue.BackoffExponential, 30 * time.Second, 2, time.Minute},
		{"exponential third attempt", queue.BackoffExponential, 30 * time.Second, 3, 2 * time.Minute},
		{"exponential hits cap", queue.BackoffExponential, time.Minute, 10, queue.MaxBackoffDelay},
		{"exponential deep attempts capped", queue.BackoffExponential, time.Second, 100, queue.MaxBackoffDelay},
		{"linear hits cap", queue.BackoffLinear, 30 * time.Minute, 10, queue.MaxBackoffDelay},
		{"zero base yields zero", queue.BackoffExponential, 0, 3, 0},
		{"attempts below one treated as one", queue.BackoffExponential, 30 * time.Second, 0, 30 * time.Second},
		{"unknown type falls back to fixed", queue.BackoffType("bogus"), 15 * time.Second, 4, 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, queue.RetryDelay(tt.backoffType, tt.base, tt.attempts))
		})
	}
}

func TestBackoffTypeValid(t *testing.T) {
	t.Parallel()

	assert.True(t, queue.BackoffFixed.Valid())
	assert.True(t, queue.BackoffLinear.Valid())
	assert.True(t, queue.BackoffExponential.Valid())
	assert.False(t, queue.BackoffType("jitter").Valid())
	assert.False(t, queue.BackoffType("").Valid())
}
