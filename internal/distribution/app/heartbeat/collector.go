// Package heartbeat implements the Heartbeat Collector (C3): ingests
// liveness samples from devices and runs the offline sweeper. Grounded on
// internal/services/executor/distributed/coordinator.go's
// healthCheckLoop/performHealthCheck, restructured around a single
// configurable offline_timeout and an explicit release-then-mark sequence
// serialized per device.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
)

// Config tunes the Collector's sweep cadence and offline detection.
type Config struct {
	SweepInterval  time.Duration // default 60s
	OfflineTimeout time.Duration // default 300s
}

func (c *Config) setDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = 300 * time.Second
	}
}

// DeviceRegistry is the subset of the Device Registry the Collector needs.
type DeviceRegistry interface {
	UpdateHeartbeat(ctx context.Context, deviceID string, runningTasks *int) error
	ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error)
	SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error
	ResetCounter(ctx context.Context, deviceID string) error
}

// TaskQueue is the subset of the Task Queue the Collector needs to release
// a crashed device's work.
type TaskQueue interface {
	ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error)
}

// Collector is the Heartbeat Collector (C3).
type Collector struct {
	cfg       Config
	registry  DeviceRegistry
	hbStore   ports.HeartbeatStore
	assignSt  ports.AssignmentStore
	tasks     TaskQueue
	events    ports.EventPublisher
	log       logger.Logger

	deviceLocks   map[string]*sync.Mutex
	deviceLocksMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, registry DeviceRegistry, hbStore ports.HeartbeatStore, assignSt ports.AssignmentStore, tasks TaskQueue, events ports.EventPublisher, log logger.Logger) *Collector {
	cfg.setDefaults()
	return &Collector{
		cfg:         cfg,
		registry:    registry,
		hbStore:     hbStore,
		assignSt:    assignSt,
		tasks:       tasks,
		events:      events,
		log:         log,
		deviceLocks: make(map[string]*sync.Mutex),
		stopCh:      make(chan struct{}),
	}
}

// Ingest appends a heartbeat sample and refreshes the device's liveness.
// Takes the same per-device lock as releaseOffline, so a heartbeat that
// lands mid-sweep either completes entirely before the sweep marks the
// device offline, or waits until after — it can never refresh the liveness
// timestamp in the gap between the sweep's release and its status update.
func (c *Collector) Ingest(ctx context.Context, h *domain.Heartbeat) error {
	lock := c.lockFor(h.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	runningTasks := h.RunningTasks
	if err := c.hbStore.AppendHeartbeat(ctx, h); err != nil {
		return err
	}
	return c.registry.UpdateHeartbeat(ctx, h.DeviceID, &runningTasks)
}

// Start launches the background sweeper.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.log.Error("heartbeat sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass of §4.2's offline detector: for each device whose
// last heartbeat is older than OfflineTimeout, release its open work, close
// its open assignments as failed, reset its counter, and mark it offline —
// all under a per-device lock so a late heartbeat mid-sweep cannot leave the
// counter and status out of sync.
func (c *Collector) Sweep(ctx context.Context) error {
	devices, err := c.registry.ListTimedOut(ctx, c.cfg.OfflineTimeout)
	if err != nil {
		return err
	}
	for _, d := range devices {
		c.releaseOffline(ctx, d.ID)
	}
	return nil
}

func (c *Collector) releaseOffline(ctx context.Context, deviceID string) {
	lock := c.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	released, err := c.tasks.ReleaseDeviceTasks(ctx, deviceID)
	if err != nil {
		c.log.Error("release device tasks failed", "device_id", deviceID, "error", err)
		return
	}

	assignments, err := c.assignSt.ListOpenByDevice(ctx, deviceID)
	if err != nil {
		c.log.Error("list open assignments failed", "device_id", deviceID, "error", err)
	} else {
		msg := "device went offline"
		for _, a := range assignments {
			if err := c.assignSt.CloseAssignment(ctx, a.TaskID, deviceID, domain.AssignmentFailed, "device offline", &msg, nil); err != nil {
				c.log.Error("close assignment failed", "task_id", a.TaskID, "device_id", deviceID, "error", err)
			}
		}
	}

	if err := c.registry.SetStatus(ctx, deviceID, domain.DeviceOffline); err != nil {
		c.log.Error("set device offline failed", "device_id", deviceID, "error", err)
	}
	if err := c.registry.ResetCounter(ctx, deviceID); err != nil {
		c.log.Error("reset device counter failed", "device_id", deviceID, "error", err)
	}

	if c.events != nil {
		c.events.Publish(ctx, "device.offline", deviceID, map[string]interface{}{
			"released_tasks": released,
		})
	}
	c.log.Info("device marked offline", "device_id", deviceID, "released_tasks", released)
}

func (c *Collector) lockFor(deviceID string) *sync.Mutex {
	c.deviceLocksMu.Lock()
	defer c.deviceLocksMu.Unlock()
	lock, ok := c.deviceLocks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		c.deviceLocks[deviceID] = lock
	}
	return lock
}
