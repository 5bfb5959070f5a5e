package daemon

import (
	"context"
	"fmt"

	"agentcrew/internal/config"
	"agentcrew/internal/store"
	"agentcrew/internal/store/pgstore"
)

// OpenStore opens the persistence backend selected by store.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Store.Driver {
	case config.StorePostgres:
		backend, err := pgstore.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return backend, nil
	case config.StoreSQLite, "":
		backend, err := store.Open(cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
