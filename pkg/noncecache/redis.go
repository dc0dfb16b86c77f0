package noncecache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a shared nonce cache for multi-instance deployments
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redis and verifies the connection
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisCache{client: client, prefix: "jobtrackd:nonce:"}, nil
}

func (c *RedisCache) CheckAndSet(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce check failed: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
