package queue

import "time"

// MaxBackoffDelay caps exponential growth so a job with many attempts does
// not end up scheduled hours into the future.
const MaxBackoffDelay = time.Hour

// RetryDelay computes the delay before a failed job becomes eligible again.
// attempts is the number of attempts already made (>= 1 after the first
// claim). Unknown backoff types fall back to fixed.
func RetryDelay(backoffType BackoffType, base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}

	var delay time.Duration
	switch backoffType {
	case BackoffLinear:
		delay = base * time.Duration(attempts)
	case BackoffExponential:
		// Shift overflows past 62 doublings; the cap applies long before.
		if attempts-1 >= 20 {
			return MaxBackoffDelay
		}
		delay = base * time.Duration(int64(1)<<uint(attempts-1))
	default:
		delay = base
	}

	if delay > MaxBackoffDelay {
		return MaxBackoffDelay
	}
	return delay
}
