package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/config"
)

// NewClient connects to Redis with the configured pool sizing and
// verifies the connection before handing it out.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}
