package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// AcquireLease атомарно захватывает ключ на ttl.
func (c *RedisCache) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

// ReleaseLease освобождает ключ.
func (c *RedisCache) ReleaseLease(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
