package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinpath/bridge/internal/config"
)

// NewRedisClient connects the cache client and verifies it with a ping.
// Returns nil without error when Redis is disabled; the guard then serves
// straight from Postgres.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	slog.Info("Redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}
