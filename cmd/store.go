package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/store"
)

// initStore opens the configured database and applies pending migrations.
func initStore(ctx context.Context) (*store.SQLStore, error) {
	var sc store.Config
	switch cfg.Store.Driver {
	case "sqlite":
		sc = store.Config{Driver: "sqlite", DSN: cfg.Store.SQLitePath}
	case "postgres":
		pool := cfg.Store.Pool
		sc = store.Config{Driver: "postgres", DSN: cfg.Store.DatabaseURL, Postgres: &pool}
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	st, err := store.Open(ctx, sc)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}
