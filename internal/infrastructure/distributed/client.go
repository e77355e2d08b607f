package distributed

import (
	"context"
	"fmt"
	"time"

	"peerlink/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientConfig configures the Redis connection
type ClientConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	Retry    retry.Config
}

// NewRedisClient connects to Redis, retrying the initial ping with backoff
func NewRedisClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warnw("redis not reachable, retrying",
			"address", cfg.Address,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", cfg.Address,
		"db", cfg.DB,
		"pool_size", cfg.PoolSize,
	)
	return client, nil
}
