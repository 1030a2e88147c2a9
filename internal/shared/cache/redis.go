// Package cache connects to the Redis instance carrying the dispatch
// queue and the coordination primitives.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seatpool/server/internal/shared/config"
)

const pingTimeout = 5 * time.Second

// NewRedisClient connects and verifies the connection. Every dispatch
// worker parks one connection in BLMOVE while draining, so the pool floor
// follows the worker count rather than request traffic.
func NewRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Close closes the Redis client.
func Close(client redis.UniversalClient) error {
	return client.Close()
}
