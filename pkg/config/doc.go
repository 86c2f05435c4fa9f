// Package config loads env-tagged configuration structs from the process
// environment, with optional .env file support for local development.
//
// Every queue component ships an env-tagged Config (pg.Config,
// redisconn.Config, queue.Config, httpserver.Config); this package is the
// shared entry point that populates them:
//
//	var dbCfg pg.Config
//	if err := config.Load(&dbCfg); err != nil {
//		log.Fatal(err)
//	}
//	pool, err := pg.Connect(ctx, dbCfg)
//
// Parsed structs are cached per type, so components sharing a config never
// re-trigger required-variable validation. Tests that mutate the
// environment call Reset between cases.
package config
