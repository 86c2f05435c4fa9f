package queue

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError signals external throttling rather than a defect in the
// job. A handler returning it has the job rescheduled Delay into the future
// without consuming an attempt and without a failure being recorded.
type RateLimitError struct {
	Delay time.Duration
}

// NewRateLimitError creates a rate-limit signal with the given retry delay.
func NewRateLimitError(delay time.Duration) *RateLimitError {
	return &RateLimitError{Delay: delay}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.Delay)
}

// AsRateLimitError unwraps err into a RateLimitError if it carries one.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
