package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ListenHandle owns a dedicated connection subscribed to the enqueue
// channel and forwards notifications as wakeup signals. The handle keeps
// explicit references to everything it registered; Close releases them all.
// Pass C() to the worker's WithWakeup option.
type ListenHandle struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	ch     chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Listen subscribes to enqueue notifications. The returned handle must be
// closed when the worker stops, or the pooled connection leaks.
func (s *Store) Listen(ctx context.Context) (*ListenHandle, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to LISTEN on %s: %w", notifyChannel, err)
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	h := &ListenHandle{
		conn:   conn,
		cancel: cancel,
		ch:     make(chan struct{}, 1),
		logger: s.logger,
		done:   make(chan struct{}),
	}

	go h.loop(waitCtx)
	return h, nil
}

// C returns the wakeup channel. A pending signal is coalesced: the channel
// carries at most one wakeup at a time.
func (h *ListenHandle) C() <-chan struct{} { return h.ch }

// Close detaches the listener and releases its connection.
func (h *ListenHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		<-h.done
		h.conn.Release()
		close(h.ch)
	})
	return nil
}

func (h *ListenHandle) loop(ctx context.Context) {
	defer close(h.done)

	for {
		_, err := h.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("notification wait failed, listener stopping",
				slog.String("error", err.Error()))
			return
		}

		select {
		case h.ch <- struct{}{}:
		default:
		}
	}
}
