// Package registry implements the Device Registry (C2): the set of known
// workers, their capacity, current load, last-seen timestamp. Grounded on
// internal/services/executor/distributed/coordinator.go's WorkerNode
// bookkeeping, generalized to the device vocabulary of this spec and backed
// by the durable Store rather than an in-memory map.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
	"github.com/taskfleet/distribution/pkg/metrics"
)

// Registry is the Device Registry (C2).
type Registry struct {
	store  ports.DeviceStore
	cache  Cache
	events ports.EventPublisher
	log    logger.Logger
}

// Cache is an optional read-through cache in front of ListAvailable,
// implemented by either the Redis or etcd adapter (see
// adapters/registrycache). A nil Cache means "no cache, hit the store
// directly" — always correct, just slower under load.
type Cache interface {
	GetAvailable(ctx context.Context) ([]*domain.Device, bool)
	SetAvailable(ctx context.Context, devices []*domain.Device, ttl time.Duration)
	Invalidate(ctx context.Context)
}

// New builds a Registry. cache may be nil.
func New(store ports.DeviceStore, cache Cache, events ports.EventPublisher, log logger.Logger) *Registry {
	return &Registry{store: store, cache: cache, events: events, log: log}
}

// Register upserts a device, per spec §4.1. Idempotent.
func (r *Registry) Register(ctx context.Context, d *domain.Device) error {
	if !domain.ValidDeviceID(d.ID) {
		return fmt.Errorf("%w: invalid device id %q", domain.ErrBadInput, d.ID)
	}
	if d.MaxConcurrentTasks <= 0 {
		d.MaxConcurrentTasks = 1
	}
	if err := r.store.RegisterDevice(ctx, d); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	if r.events != nil {
		r.events.Publish(ctx, "device.registered", d.ID, map[string]interface{}{
			"device_type": d.DeviceType,
		})
	}
	r.log.Info("device registered", "device_id", d.ID, "max_concurrent_tasks", d.MaxConcurrentTasks)
	return nil
}

// UpdateHeartbeat refreshes last_heartbeat and optionally current_tasks,
// bringing the device back online if it had timed out.
func (r *Registry) UpdateHeartbeat(ctx context.Context, deviceID string, runningTasks *int) error {
	if err := r.store.UpdateHeartbeatMeta(ctx, deviceID, runningTasks); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	return nil
}

// IncCounter bumps current_tasks, clamped at capacity.
func (r *Registry) IncCounter(ctx context.Context, deviceID string) error {
	err := r.store.IncCounter(ctx, deviceID)
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	return err
}

// DecCounter drops current_tasks, clamped at zero.
func (r *Registry) DecCounter(ctx context.Context, deviceID string) error {
	err := r.store.DecCounter(ctx, deviceID)
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	return err
}

// SetStatus force-sets a device's status, used by the PUT
// /devices/{id}/status admin endpoint.
func (r *Registry) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	if status != domain.DeviceOnline && status != domain.DeviceBusy && status != domain.DeviceOffline {
		return fmt.Errorf("%w: invalid status %q", domain.ErrBadInput, status)
	}
	if err := r.store.SetStatus(ctx, deviceID, status); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (*domain.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

func (r *Registry) List(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error) {
	return r.store.ListDevices(ctx, status)
}

// ListAvailable returns dispatch-eligible devices, consulting the cache
// first when present.
func (r *Registry) ListAvailable(ctx context.Context) ([]*domain.Device, error) {
	if r.cache != nil {
		if devices, ok := r.cache.GetAvailable(ctx); ok {
			return devices, nil
		}
	}
	devices, err := r.store.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.SetAvailable(ctx, devices, 2*time.Second)
	}
	return devices, nil
}

// ListTimedOut returns devices whose heartbeat predates threshold (or was
// never recorded) and that are not yet marked offline, used by the
// Heartbeat Collector's sweeper.
func (r *Registry) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error) {
	return r.store.ListTimedOut(ctx, threshold)
}

// ResetCounter zeroes current_tasks, used when a device is declared
// offline.
func (r *Registry) ResetCounter(ctx context.Context, deviceID string) error {
	err := r.store.ResetCounter(ctx, deviceID)
	if r.cache != nil {
		r.cache.Invalidate(ctx)
	}
	return err
}

// CountByStatus returns the number of known devices per status.
func (r *Registry) CountByStatus(ctx context.Context) (map[domain.DeviceStatus]int64, error) {
	counts, err := r.store.CountDevicesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceBusy, domain.DeviceOffline} {
		metrics.DevicesByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return counts, nil
}
