package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Server is the serving shell for the queue API: an http.Server with
// graceful drain, lifecycle hooks, and signal handling. A Server runs at
// most once; Shutdown may be called from any goroutine and is idempotent.
type Server struct {
	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
	base            *http.Server
	logger          *slog.Logger
	onStart         []func(*slog.Logger)
	onStop          []func(*slog.Logger)

	mu       sync.Mutex
	running  *http.Server
	drainFn  sync.Once
	drainErr error
}

// New returns a Server with the given options applied over the defaults
// (addr :8080, 5s shutdown timeout, discarded logs).
func New(opts ...Option) *Server {
	s := &Server{
		addr:            ":8080",
		shutdownTimeout: 5 * time.Second,
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves handler until the context is cancelled, an interrupt or TERM
// signal arrives, or serving fails. On cancellation it drains in-flight
// requests, long-poll waits included, within the shutdown timeout. Start
// and serve failures are wrapped with ErrStart.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	srv, err := s.arm(handler)
	if err != nil {
		return err
	}

	ctx, unbind := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer unbind()

	for _, hook := range s.onStart {
		hook(s.logger)
	}
	s.logger.Info("queue api listening", slog.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		err = <-serveErr
	case err = <-serveErr:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrStart, err)
	}
	return nil
}

// Shutdown drains the server gracefully, bounded by the shutdown timeout.
// Later calls return the first call's result. Drain failures are wrapped
// with ErrShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.drainFn.Do(func() {
		s.mu.Lock()
		srv := s.running
		s.mu.Unlock()
		if srv == nil {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
		s.drainErr = srv.Shutdown(ctx)

		for _, hook := range s.onStop {
			hook(s.logger)
		}
		s.logger.Info("queue api stopped")
	})

	if s.drainErr != nil && !errors.Is(s.drainErr, http.ErrServerClosed) {
		return errors.Join(ErrShutdown, s.drainErr)
	}
	return nil
}

// arm binds the handler and timeouts onto the underlying http.Server.
// Values already set on a WithServer-supplied instance win over the
// package defaults.
func (s *Server) arm(handler http.Handler) (*http.Server, error) {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		return nil, errors.Join(ErrStart, errors.New("server already running"))
	}

	srv := s.base
	if srv == nil {
		srv = &http.Server{}
	}
	if srv.Addr == "" {
		srv.Addr = s.addr
	}
	if srv.ReadTimeout == 0 {
		srv.ReadTimeout = s.readTimeout
	}
	if srv.WriteTimeout == 0 {
		srv.WriteTimeout = s.writeTimeout
	}
	if srv.IdleTimeout == 0 {
		srv.IdleTimeout = s.idleTimeout
	}
	srv.Handler = handler

	s.running = srv
	return srv, nil
}
