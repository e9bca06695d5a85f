package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/retro-relay/internal/config"
	"github.com/ashureev/retro-relay/internal/db"
	"github.com/ashureev/retro-relay/internal/db/migrate"
	"github.com/ashureev/retro-relay/internal/store"
)

// openStore builds the presence repository selected by STORE_DRIVER.
// Postgres schemas are migrated up before the pool is opened.
func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		repo, err := store.NewSQLite(cfg.Store.DBPath)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case config.DriverPostgres:
		if err := migrate.Run(cfg.Store.DatabaseURL, "up"); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		slog.Info("Postgres migrations applied")
		sqlDB, err := db.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return store.NewPostgres(sqlDB), nil
	case config.DriverValkey:
		repo, err := store.NewValkey(cfg.Store.ValkeyAddr)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
