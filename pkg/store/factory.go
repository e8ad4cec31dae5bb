package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xhad/capture/internal/types"
	"github.com/xhad/capture/pkg/config"
)

// Open builds the Driver described by the configuration: a single backend,
// or two backends behind the migration Router.
func Open(ctx context.Context, cfg *config.Config) (types.Driver, error) {
	primary, err := openBackend(ctx, cfg, cfg.Database.Backend, cfg.Database.URL, cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary store: %w", err)
	}

	mode := RouteMode(cfg.Migration.Mode)
	if mode == ModeSingle || mode == "" {
		return primary, nil
	}

	secondary, err := openBackend(ctx, cfg, cfg.Migration.SecondaryBackend,
		cfg.Migration.SecondaryURL, cfg.Migration.SecondarySQLite)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to open secondary store: %w", err)
	}

	return NewRouter(RouterConfig{
		Mode:              mode,
		ShadowReadPercent: cfg.Migration.ShadowReadPercent,
		BreakerThreshold:  cfg.Migration.BreakerThreshold,
		BreakerCooldown:   time.Duration(cfg.Migration.BreakerCooldownSec) * time.Second,
	}, primary, secondary), nil
}

func openBackend(ctx context.Context, cfg *config.Config, backend, url, sqlitePath string) (types.Driver, error) {
	switch backend {
	case "postgres":
		return NewPgVector(ctx, PgVectorConfig{
			ConnString:  url,
			TablePrefix: cfg.Database.TablePrefix,
			VectorDim:   cfg.Database.VectorDim,
		})
	case "sqlite":
		return NewSQLite(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
