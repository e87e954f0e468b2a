package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgate/config"
	"github.com/BaSui01/flowgate/internal/database"
	"github.com/BaSui01/flowgate/internal/metrics"
	"github.com/BaSui01/flowgate/internal/migration"
)

// Deps carries the shared resources a backend may need
type Deps struct {
	// Redis is required by the redis store; it is not closed by the store
	Redis   redis.UniversalClient
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Open creates the Store selected by cfg.Store.Type
func Open(ctx context.Context, cfg *config.Config, deps Deps) (Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Store.Type {
	case config.StoreMemory:
		return NewMemoryStore(), nil

	case config.StoreRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(deps.Redis, cfg.Store.KeyPrefix, logger), nil

	case config.StoreDatabase:
		return openGormStore(ctx, cfg, deps.Metrics, logger)

	case config.StoreBolt:
		return OpenBoltStore(cfg.Store.BoltPath, 0, logger)

	case config.StoreMongo:
		return ConnectMongo(ctx, cfg.Mongo, logger)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

func openGormStore(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*GormStore, error) {
	if cfg.Store.AutoMigrate {
		if err := migration.Apply(ctx, cfg.Database, logger); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	pool, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	driver := cfg.Database.Driver
	pool.SetStatsReporter(func(stats database.PoolStats) {
		collector.RecordDBConnections(driver, stats.OpenConnections, stats.Idle)
	})
	return NewGormStore(pool, driver, collector, logger), nil
}
