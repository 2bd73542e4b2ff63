package cli

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"gitlab.com/vmfleet.net/db/migrations"
	"gitlab.com/vmfleet.net/internal/adapter/postgres"
	"gitlab.com/vmfleet.net/internal/adapter/postgres/commandrepository"
	"gitlab.com/vmfleet.net/internal/adapter/postgres/workerrepository"
	"gitlab.com/vmfleet.net/internal/adapter/postgres/workloadrepository"
	"gitlab.com/vmfleet.net/internal/adapter/redis/billing"
	"gitlab.com/vmfleet.net/internal/adapter/redis/ingress"
	"gitlab.com/vmfleet.net/internal/adapter/redis/presence"
	"gitlab.com/vmfleet.net/internal/adapter/redis/schedconfig"
	"gitlab.com/vmfleet.net/internal/app"
	"gitlab.com/vmfleet.net/internal/config"
	"gitlab.com/vmfleet.net/internal/core/ports/primary"
)

// openStores builds the adapters named by STORE_DRIVER. The returned func
// releases their connections.
func openStores(ctx context.Context, cfg *config.AppConfig, logger primary.Logger, migrate bool) (app.Stores, func(), error) {
	coord := cfg.CoordinatorConfig
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("Using in-memory stores, state is lost on exit")
		return app.MemoryStores(coord), func() {}, nil
	case config.StoreDriverPostgres:
	default:
		return app.Stores{}, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	db, err := postgres.Open(ctx, cfg.PostgresConfig.Url)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if migrate {
		if _, err := postgres.Migrate(ctx, db, migrations.Files, logger); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Url,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		db.Close()
		return app.Stores{}, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisConfig.Url, err)
	}

	prefix := cfg.RedisConfig.Prefix
	stores := app.Stores{
		Workers:     workerrepository.NewWorkerRepository(db, logger),
		Workloads:   workloadrepository.NewWorkloadRepository(db, logger, cfg.PostgresConfig.Schema),
		Commands:    commandrepository.NewCommandRepository(db, logger),
		Presence:    presence.NewPresenceRepository(redisClient, prefix, coord.LivenessTimeout(), logger),
		SchedConfig: schedconfig.NewRepository(redisClient, prefix, logger),
		Ingress:     ingress.NewRouter(redisClient, prefix, coord.IngressPortFirst, coord.IngressPortLast, logger),
		Billing:     billing.NewStreamSink(redisClient, prefix, coord.AuditWindow, logger),
	}
	closer := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}
	return stores, closer, nil
}
