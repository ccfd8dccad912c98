package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/szaher/debatechat/internal/chat"
)

// GoRedisClient adapts a go-redis client to the RedisClient interface and
// maps its errors onto the service taxonomy.
type GoRedisClient struct {
	rdb *redis.Client
}

// NewGoRedisClient connects a go-redis client from a redis:// URL.
func NewGoRedisClient(url string) (*GoRedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &GoRedisClient{rdb: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity at startup.
func (c *GoRedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("key %s: %w", key, chat.ErrCacheMiss)
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return val, nil
}

func (c *GoRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *GoRedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return res, nil
}

func (c *GoRedisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis hset: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return nil
}

func (c *GoRedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w: %v", chat.ErrCacheUnavailable, err)
	}
	return nil
}

var _ RedisClient = (*GoRedisClient)(nil)
