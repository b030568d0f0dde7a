// Package app assembles the storage backends shared by the service binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redis"
	"github.com/drfirst/go-adherence/internal/sweep"
)

// Backend exposes one storage implementation through every port the
// domain needs
type Backend struct {
	Doses    dose.Store
	Events   dose.EventStore
	Ledger   dose.Ledger
	Commands medication.Store
	Configs  redis.ConfigStore
	Rules    sweep.RuleStore
	Batches  sweep.BatchStore

	ping    func(ctx context.Context) error
	closers []func()
}

// Open connects the configured storage and, when REDIS_ADDR is set, puts the
// grace config cache in front of it
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{}

	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		s := memory.New()
		b.use(s)
		b.ping = func(context.Context) error { return nil }

	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if cfg.Database.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("database schema applied")
		}
		b.use(postgres.NewStore(pool, logger))
		b.ping = pool.Ping
		logger.Info("connected to database")

	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redis.Ping(ctx, client); err != nil {
			logger.Warn("redis unavailable, grace configs will be read uncached until it recovers",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err))
		}
		b.Configs = redis.NewConfigCache(client, b.Configs, cfg.Redis.ConfigTTL, logger)
		b.closers = append(b.closers, func() { client.Close() })
	}
	return b, nil
}

type store interface {
	dose.Store
	dose.EventStore
	dose.Ledger
	medication.Store
	redis.ConfigStore
	sweep.RuleStore
	sweep.BatchStore
}

func (b *Backend) use(s store) {
	b.Doses = s
	b.Events = s
	b.Ledger = s
	b.Commands = s
	b.Configs = s
	b.Rules = s
	b.Batches = s
}

// Ready reports whether the authoritative store answers
func (b *Backend) Ready(ctx context.Context) error {
	return b.ping(ctx)
}

// Close releases connections in reverse order of opening
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
