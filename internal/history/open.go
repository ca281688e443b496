package history

import (
	"context"
	"fmt"

	"github.com/rickgao/moltzer/internal/config"
	"github.com/rickgao/moltzer/internal/database"
)

// Open builds the store named by cfg.Driver and initializes its schema.
// It returns nil with no error when history is disabled.
func Open(ctx context.Context, cfg config.HistoryConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		store, err = OpenSQLite(cfg.Path)
	case "postgres":
		pool, perr := database.Connect(ctx, cfg.Postgres)
		if perr != nil {
			return nil, perr
		}
		store = NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// RecorderConfig extracts recorder settings from cfg.
func RecorderConfig(cfg config.HistoryConfig) Config {
	return Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		BufferSize:    cfg.BufferSize,
	}
}
