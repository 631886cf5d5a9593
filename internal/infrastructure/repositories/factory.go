package repositories

import (
	"context"

	"instacast/internal/core/ports"
	"instacast/internal/infrastructure/repositories/memory"
	redisrepo "instacast/internal/infrastructure/repositories/redis"
	"instacast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
		}
	}

	if factory.redisClient == nil {
		logger.Infow("Using memory repositories")
	} else {
		logger.Infow("Using Redis repositories")
	}
	return factory
}

func (f *RepositoryFactory) UsesRedis() bool {
	return f.redisClient != nil
}

func (f *RepositoryFactory) CreateHostRepository() ports.HostRepository {
	if f.redisClient != nil {
		return redisrepo.NewRedisHostRepository(f.redisClient)
	}
	return memory.NewMemoryHostRepository()
}

// Close closes the Redis connection if one is open.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
