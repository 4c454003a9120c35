// Package bootstrap opens the configured provenance store for the service and the CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/medflow/provenance-backend/internal/provenance/repository"
	"github.com/medflow/provenance-backend/internal/provenance/repository/memory"
	"github.com/medflow/provenance-backend/internal/provenance/repository/mongo"
	"github.com/medflow/provenance-backend/pkg/config"
	"github.com/medflow/provenance-backend/pkg/database"
	"github.com/medflow/provenance-backend/pkg/logger"
)

// OpenStore connects to the store named by cfg.Store.Driver and applies its
// schema when cfg.Database.AutoMigrate is set.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		db, err := database.New(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		store := repository.NewPostgresStore(db)
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate provenance schema: %w", err)
			}
		}
		return store, nil

	case config.StoreDriverMongo:
		store, err := mongo.Connect(ctx, cfg.Mongo, log)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close(ctx)
				return nil, fmt.Errorf("failed to create provenance indexes: %w", err)
			}
		}
		return store, nil

	case config.StoreDriverMemory:
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return memory.New(), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
