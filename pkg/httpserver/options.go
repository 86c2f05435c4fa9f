package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Server at construction. Options validate eagerly and
// panic on programmer error so misconfiguration surfaces at startup.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	if addr == "" {
		panic("WithAddr: addr cannot be empty")
	}
	return func(s *Server) { s.addr = addr }
}

// WithReadTimeout bounds reading an entire request.
func WithReadTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("WithReadTimeout: duration must be > 0")
	}
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout bounds response writes. Keep it above the long-poll
// wait ceiling or /wait requests get cut off mid-poll.
func WithWriteTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("WithWriteTimeout: duration must be > 0")
	}
	return func(s *Server) { s.writeTimeout = d }
}

// WithIdleTimeout bounds keep-alive waits between requests.
func WithIdleTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("WithIdleTimeout: duration must be > 0")
	}
	return func(s *Server) { s.idleTimeout = d }
}

// WithShutdownTimeout bounds the graceful drain on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	if d <= 0 {
		panic("WithShutdownTimeout: duration must be > 0")
	}
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithServer serves through the provided http.Server. Timeouts already set
// on it take precedence over the option-configured ones.
func WithServer(srv *http.Server) Option {
	if srv == nil {
		panic("WithServer: nil server")
	}
	return func(s *Server) { s.base = srv }
}

// WithLogger routes lifecycle logs; nil keeps them discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStartHook runs fn right before the listener opens.
func WithStartHook(fn func(*slog.Logger)) Option {
	if fn == nil {
		panic("WithStartHook: nil hook")
	}
	return func(s *Server) { s.onStart = append(s.onStart, fn) }
}

// WithStopHook runs fn after the server has drained.
func WithStopHook(fn func(*slog.Logger)) Option {
	if fn == nil {
		panic("WithStopHook: nil hook")
	}
	return func(s *Server) { s.onStop = append(s.onStop, fn) }
}
