// Package httpserver is the serving shell for the queue's HTTP transport.
// It wraps net/http with graceful shutdown, configurable timeouts,
// lifecycle hooks, and health-check handlers.
//
// Run blocks until the context is cancelled or an interrupt/TERM signal
// arrives, then drains in-flight requests (long-poll waits included) within
// the shutdown deadline. Construction goes through New or NewFromConfig
// with functional options; start and shutdown failures are wrapped with the
// ErrStart and ErrShutdown sentinels for errors.Is checks.
//
// Typical wiring with the queue API router:
//
//	api, err := httpqueue.NewServer(store)
//	if err != nil {
//		log.Error("bad queue api config", slog.String("error", err.Error()))
//		return
//	}
//	srv := httpserver.NewFromConfig(cfg,
//		httpserver.WithLogger(log),
//		httpserver.WithStartHook(func(l *slog.Logger) { l.Info("queue API listening") }),
//	)
//	if err := srv.Run(ctx, api.Router()); err != nil {
//		log.Error("server stopped", slog.String("error", err.Error()))
//	}
//
// HealthCheckHandler doubles as liveness (no checks) and readiness (store
// healthchecks supplied) probe.
package httpserver
