package repositories

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshlink/internal/core/ports"
	"meshlink/internal/infrastructure/reliability"
	"meshlink/internal/infrastructure/repositories/memory"
	redisrepo "meshlink/internal/infrastructure/repositories/redis"
	"meshlink/pkg/circuitbreaker"
	"meshlink/pkg/config"
	"meshlink/pkg/retry"
)

// StoreFactory creates persistence stores with fallback support.
type StoreFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewStoreFactory creates a store factory. When Redis is enabled but
// unreachable it falls back to in-memory stores rather than failing;
// credential persistence is an optimization, not a requirement.
func NewStoreFactory(cfg *config.Config, logger *zap.SugaredLogger) (*StoreFactory, error) {
	factory := &StoreFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory stores",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis stores")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory stores")
	}

	return factory, nil
}

// CreateCredentialStore creates the relay credential store. The Redis
// store is wrapped with retries and a circuit breaker; the memory store
// cannot fail, so it is returned bare.
func (f *StoreFactory) CreateCredentialStore() ports.CredentialStore {
	if f.useRedis && f.redisClient != nil {
		return reliability.NewCredentialStoreWrapper(
			redisrepo.NewRedisCredentialStore(f.redisClient),
			retry.Config{
				Enabled:      true,
				MaxAttempts:  3,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     500 * time.Millisecond,
				Multiplier:   2,
				Jitter:       true,
			},
			circuitbreaker.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewMemoryCredentialStore()
}

// RedisClient exposes the underlying client for health checks. Nil when
// running on memory stores.
func (f *StoreFactory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Close closes the Redis connection if one is held.
func (f *StoreFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health.
func (f *StoreFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
