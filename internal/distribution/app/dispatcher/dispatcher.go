// Package dispatcher implements the Dispatcher (C5): picks eligible workers
// for pending tasks using a pluggable load-balancing policy and commits
// placement via the atomic Place protocol. Grounded on
// internal/services/executor/distributed/coordinator.go's
// selectWorker/SelectionStrategy switch, extended with the weighted policy
// spec §4.4 requires and which the teacher does not implement.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
	"github.com/taskfleet/distribution/pkg/metrics"
)

// Config tunes the Dispatcher's tick cadence and policy.
type Config struct {
	Interval                       time.Duration // default 10s
	Policy                         Policy        // default least_tasks
	FetchLimit                     int           // default 100
	ForceDispatchPriorityThreshold int           // default 5
	AdaptiveSelection              bool          // toggle, see §4.4
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Policy == "" {
		c.Policy = PolicyLeastTasks
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 100
	}
	if c.ForceDispatchPriorityThreshold <= 0 {
		c.ForceDispatchPriorityThreshold = 5
	}
}

// Registry is the subset of the Device Registry the Dispatcher needs.
type Registry interface {
	ListAvailable(ctx context.Context) ([]*domain.Device, error)
	IncCounter(ctx context.Context, deviceID string) error
}

// TaskQueue is the subset of the Task Queue the Dispatcher needs.
type TaskQueue interface {
	FetchAssignable(ctx context.Context, taskType string, limit int) ([]*domain.Task, error)
	Assign(ctx context.Context, taskID int64, deviceID string) (bool, error)
	ReleaseTask(ctx context.Context, taskID int64, deviceID string) error
}

// Dispatcher is the Dispatcher (C5).
type Dispatcher struct {
	cfg        Config
	registry   Registry
	queue      TaskQueue
	assignSt   ports.AssignmentStore
	hbStore    ports.HeartbeatStore
	events     ports.EventPublisher
	log        logger.Logger
	sel        *selector
	policyMu   sync.RWMutex
	curPolicy  Policy

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, registry Registry, queue TaskQueue, assignSt ports.AssignmentStore, hbStore ports.HeartbeatStore, events ports.EventPublisher, log logger.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		cfg:       cfg,
		registry:  registry,
		queue:     queue,
		assignSt:  assignSt,
		hbStore:   hbStore,
		events:    events,
		log:       log,
		sel:       newSelector(),
		curPolicy: cfg.Policy,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick runs one iteration of §4.4's algorithm.
func (d *Dispatcher) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.DispatchTickDuration.Observe(time.Since(start).Seconds()) }()

	devices, err := d.registry.ListAvailable(ctx)
	if err != nil {
		return fmt.Errorf("list available devices: %w", err)
	}
	if len(devices) == 0 {
		return nil
	}

	tasks, err := d.queue.FetchAssignable(ctx, "", d.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch assignable tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	if d.cfg.AdaptiveSelection {
		d.adapt(devices)
	}

	working := make([]*domain.Device, len(devices))
	copy(working, devices)

	policy := d.activePolicy()
	threshold := d.cfg.ForceDispatchPriorityThreshold

	for _, t := range tasks {
		if len(working) == 0 {
			break
		}
		eligible := d.eligibleIndices(working, t.TaskType)
		if len(eligible) == 0 {
			metrics.RecordTaskSkipped("no_eligible_device")
			continue
		}

		var candidates []candidate
		for _, idx := range eligible {
			candidates = append(candidates, d.buildCandidate(ctx, working[idx]))
		}

		effectivePolicy := policy
		if t.Priority > threshold {
			effectivePolicy = PolicyLeastTasks
		}
		choice := d.sel.Select(effectivePolicy, candidates)
		if choice < 0 {
			continue
		}
		device := candidates[choice].device

		placed, err := d.Place(ctx, t, device)
		if err != nil {
			d.log.Error("place failed", "task_id", t.ID, "device_id", device.ID, "error", err)
			continue
		}
		if !placed {
			// Placement conflict: task was taken or changed by someone
			// else. Expected, silent, move on.
			metrics.PlacementConflictsTotal.Inc()
			continue
		}

		metrics.RecordTaskPlaced(string(effectivePolicy))
		device.CurrentTasks++
		if !device.HasCapacity() {
			working = removeDevice(working, device.ID)
		}
	}
	return nil
}

func (d *Dispatcher) buildCandidate(ctx context.Context, device *domain.Device) candidate {
	var hb *domain.Heartbeat
	if d.hbStore != nil {
		hb, _ = d.hbStore.LatestHeartbeat(ctx, device.ID)
	}
	return candidate{device: device, heartbeat: hb}
}

func (d *Dispatcher) eligibleIndices(working []*domain.Device, taskType string) []int {
	var idx []int
	for i, dev := range working {
		if !dev.HasCapacity() {
			continue
		}
		if !dev.Capabilities.Supports(taskType) {
			continue
		}
		idx = append(idx, i)
	}
	return idx
}

func removeDevice(devices []*domain.Device, id string) []*domain.Device {
	out := devices[:0]
	for _, d := range devices {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

// Place implements spec §4.4's Place(task, device) protocol: atomic
// compare-and-set, idempotent assignment row, rollback on partial failure,
// counter increment. Returns (placed, error); placed=false with nil error
// means an expected placement conflict.
func (d *Dispatcher) Place(ctx context.Context, t *domain.Task, device *domain.Device) (bool, error) {
	ok, err := d.queue.Assign(ctx, t.ID, device.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if _, _, err := d.assignSt.GetOrCreateAssignment(ctx, t.ID, device.ID); err != nil {
		// Roll back the Assign by releasing just this task back to pending.
		if rerr := d.queue.ReleaseTask(ctx, t.ID, device.ID); rerr != nil {
			d.log.Error("rollback release failed", "task_id", t.ID, "device_id", device.ID, "error", rerr)
		}
		return false, fmt.Errorf("create assignment row: %w", err)
	}

	if err := d.registry.IncCounter(ctx, device.ID); err != nil {
		d.log.Error("inc counter failed after placement", "device_id", device.ID, "error", err)
	}

	if d.events != nil {
		d.events.Publish(ctx, "task.assigned", fmt.Sprintf("%d", t.ID), map[string]interface{}{
			"device_id": device.ID,
		})
	}
	return true, nil
}

// ForceDispatch is the admin RPC of §4.4/§6.1's POST /tasks/assign: places
// a specific task on a specific device, subject to the same capacity check
// and Place protocol.
func (d *Dispatcher) ForceDispatch(ctx context.Context, taskID int64, device *domain.Device) (bool, error) {
	if !device.HasCapacity() {
		return false, domain.ErrCapacityExceeded
	}
	task := &domain.Task{ID: taskID}
	return d.Place(ctx, task, device)
}

// adapt implements §4.4's optional adaptive selection: switch to
// least_tasks under high average load, to weighted under low average load.
func (d *Dispatcher) adapt(devices []*domain.Device) {
	if len(devices) == 0 {
		return
	}
	var totalLoad, totalCap float64
	for _, dev := range devices {
		totalLoad += float64(dev.CurrentTasks)
		totalCap += float64(dev.MaxConcurrentTasks)
	}
	if totalCap == 0 {
		return
	}
	ratio := totalLoad / totalCap
	var next Policy
	switch {
	case ratio > 0.8:
		next = PolicyLeastTasks
	case ratio < 0.3:
		next = PolicyWeighted
	default:
		return
	}
	d.policyMu.Lock()
	d.curPolicy = next
	d.policyMu.Unlock()
}

func (d *Dispatcher) activePolicy() Policy {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.curPolicy
}
