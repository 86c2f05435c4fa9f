package queue_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuekit/queuekit/pkg/queue"
)

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	t.Run("detected through wrapping", func(t *testing.T) {
		t.Parallel()

		err := fmt.Errorf("calling provider: %w", queue.NewRateLimitError(30*time.Second))
		rle, ok := queue.AsRateLimitError(err)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, rle.Delay)
	})

	t.Run("plain errors are not rate limits", func(t *testing.T) {
		t.Parallel()

		_, ok := queue.AsRateLimitError(errors.New("boom"))
		assert.False(t, ok)
	})

	t.Run("message includes delay", func(t *testing.T) {
		t.Parallel()

		err := queue.NewRateLimitError(time.Minute)
		assert.Contains(t, err.Error(), "1m")
	})
}
