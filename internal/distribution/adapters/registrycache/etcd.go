package registrycache

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

const defaultEtcdKey = "/distribution/registry/available"

// EtcdCache caches the ListAvailable snapshot in etcd behind a lease,
// following worker_registry.go's EtcdBackend Grant/Put pattern. Intended
// for deployments that already run etcd for worker presence rather than
// Redis.
type EtcdCache struct {
	client *clientv3.Client
	key    string
	log    logger.Logger
}

func NewEtcdCache(client *clientv3.Client, log logger.Logger) *EtcdCache {
	return &EtcdCache{client: client, key: defaultEtcdKey, log: log}
}

func (c *EtcdCache) GetAvailable(ctx context.Context) ([]*domain.Device, bool) {
	resp, err := c.client.Get(ctx, c.key)
	if err != nil {
		c.log.Warn("registry cache read failed", "error", err)
		return nil, false
	}
	if len(resp.Kvs) == 0 {
		return nil, false
	}
	var devices []*domain.Device
	if err := json.Unmarshal(resp.Kvs[0].Value, &devices); err != nil {
		c.log.Warn("registry cache decode failed", "error", err)
		return nil, false
	}
	return devices, true
}

func (c *EtcdCache) SetAvailable(ctx context.Context, devices []*domain.Device, ttl time.Duration) {
	data, err := json.Marshal(devices)
	if err != nil {
		c.log.Warn("registry cache encode failed", "error", err)
		return
	}
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	lease, err := c.client.Grant(ctx, seconds)
	if err != nil {
		c.log.Warn("registry cache lease grant failed", "error", err)
		return
	}
	if _, err := c.client.Put(ctx, c.key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		c.log.Warn("registry cache write failed", "error", err)
	}
}

func (c *EtcdCache) Invalidate(ctx context.Context) {
	if _, err := c.client.Delete(ctx, c.key); err != nil {
		c.log.Warn("registry cache invalidate failed", "error", err)
	}
}
