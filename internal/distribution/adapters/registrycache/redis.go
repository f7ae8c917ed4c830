// Package registrycache provides pluggable read-through caches for the
// Device Registry's ListAvailable snapshot, grounded on
// internal/services/executor/distributed/worker_registry.go's
// RegistryBackend abstraction (Redis pub/sub and etcd lease variants).
package registrycache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

const defaultKey = "distribution:registry:available"

// RedisCache caches the ListAvailable snapshot in Redis with a short TTL,
// following the Redis client usage in worker_registry.go's RedisBackend.
type RedisCache struct {
	client *redis.Client
	key    string
	log    logger.Logger
}

func NewRedisCache(client *redis.Client, log logger.Logger) *RedisCache {
	return &RedisCache{client: client, key: defaultKey, log: log}
}

func (c *RedisCache) GetAvailable(ctx context.Context) ([]*domain.Device, bool) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("registry cache read failed", "error", err)
		}
		return nil, false
	}
	var devices []*domain.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		c.log.Warn("registry cache decode failed", "error", err)
		return nil, false
	}
	return devices, true
}

func (c *RedisCache) SetAvailable(ctx context.Context, devices []*domain.Device, ttl time.Duration) {
	data, err := json.Marshal(devices)
	if err != nil {
		c.log.Warn("registry cache encode failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		c.log.Warn("registry cache write failed", "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key).Err(); err != nil && err != redis.Nil {
		c.log.Warn("registry cache invalidate failed", "error", err)
	}
}
