package app

import (
	"context"
	"fmt"

	"github.com/datallboy/pkgswarm/internal/infra/config"
	"github.com/datallboy/pkgswarm/internal/infra/logger"
	"github.com/datallboy/pkgswarm/internal/store"
)

// Bootstrap loads config, opens the log and the configured store.
func Bootstrap(ctx context.Context, configPath string) (*Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", cfg.Log.Path, err)
	}

	var st Store
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
	default:
		st, err = store.NewPersistentStore(cfg.Store.SQLitePath)
	}
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	return NewContext(cfg, log, st), nil
}
