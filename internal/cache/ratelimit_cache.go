// Package cache provides the Redis-backed counter the Validator uses for
// distributed rate limiting across multiple Coordinator instances.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the connection used for distributed rate limiting.
type RedisConfig struct {
	URL        string
	MaxRetries int
	PoolSize   int
}

// RateLimitCache implements the counter the Validator's RedisCounter needs:
// INCR a per-bucket-per-identity key, setting an expiry only on the first
// increment in a window so the window length stays fixed regardless of
// request rate.
type RateLimitCache struct {
	client *redis.Client
}

func NewRateLimitCache(cfg RedisConfig) (*RateLimitCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connecting to redis: %w", err)
	}

	return &RateLimitCache{client: client}, nil
}

// IncrementRateLimit bumps the counter for key and returns its new value,
// arming expiration only the first time the key is created.
func (r *RateLimitCache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incrementing %s: %w", key, err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("cache: arming expiry on %s: %w", key, err)
		}
	}
	return count, nil
}

func (r *RateLimitCache) Close() error {
	return r.client.Close()
}
