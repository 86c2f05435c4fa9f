// Package pg bootstraps the PostgreSQL layer for the queue: a pgx/v5
// connection pool with startup retries, a goose-based migrator that runs
// embedded migration files, and a healthcheck closure for readiness probes.
//
// Configuration comes from environment variables via the env-tagged Config
// struct:
//
//	var cfg pg.Config
//	config.MustLoad(&cfg)
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil { ... }
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, pgqueue.Migrations, slog.Default()); err != nil { ... }
package pg
