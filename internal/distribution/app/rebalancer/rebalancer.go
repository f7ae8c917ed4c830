// Package rebalancer implements the Rebalancer (C8): moves excess load
// from overloaded workers to underloaded ones, on demand. Grounded on
// internal/services/executor/distributed/coordinator.go's
// performRebalance, but performs genuine Place-protocol reassignment —
// the teacher version only adjusts in-memory counters and says so in its
// own comment ("in production, would move actual executions").
package rebalancer

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
	"github.com/taskfleet/distribution/pkg/metrics"
)

// Registry is the subset of the Device Registry the Rebalancer needs.
type Registry interface {
	List(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error)
	DecCounter(ctx context.Context, deviceID string) error
}

// Placer commits a task to a device via the Place protocol (satisfied by
// *dispatcher.Dispatcher).
type Placer interface {
	Place(ctx context.Context, task *domain.Task, device *domain.Device) (bool, error)
}

// TaskQueue is the subset of the Task Queue the Rebalancer needs.
type TaskQueue interface {
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	ReleaseTask(ctx context.Context, taskID int64, deviceID string) error
}

// Rebalancer is the Rebalancer (C8).
type Rebalancer struct {
	registry Registry
	tasks    TaskQueue
	assignSt ports.AssignmentStore
	placer   Placer
	events   ports.EventPublisher
	log      logger.Logger
}

func New(registry Registry, tasks TaskQueue, assignSt ports.AssignmentStore, placer Placer, events ports.EventPublisher, log logger.Logger) *Rebalancer {
	return &Rebalancer{registry: registry, tasks: tasks, assignSt: assignSt, placer: placer, events: events, log: log}
}

type deviceLoad struct {
	device *domain.Device
	count  int
}

// Run performs one rebalance pass, per spec §4.6's exact algorithm.
func (r *Rebalancer) Run(ctx context.Context) (int, error) {
	online, err := r.registry.List(ctx, domain.DeviceOnline)
	if err != nil {
		return 0, fmt.Errorf("list online devices: %w", err)
	}
	busy, err := r.registry.List(ctx, domain.DeviceBusy)
	if err != nil {
		return 0, fmt.Errorf("list busy devices: %w", err)
	}
	devices := append(online, busy...)
	if len(devices) == 0 {
		return 0, nil
	}

	loads := make([]*deviceLoad, 0, len(devices))
	total := 0
	for _, d := range devices {
		open, err := r.assignSt.ListOpenByDevice(ctx, d.ID)
		if err != nil {
			return 0, fmt.Errorf("list open assignments for %s: %w", d.ID, err)
		}
		loads = append(loads, &deviceLoad{device: d, count: len(open)})
		total += len(open)
	}
	avg := float64(total) / float64(len(loads))

	var overloaded, underloaded []*deviceLoad
	for _, l := range loads {
		switch {
		case float64(l.count) > avg+1:
			overloaded = append(overloaded, l)
		case float64(l.count) < avg-1:
			underloaded = append(underloaded, l)
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return 0, nil
	}

	sort.Slice(overloaded, func(i, j int) bool { return overloaded[i].count > overloaded[j].count })
	sort.Slice(underloaded, func(i, j int) bool { return underloaded[i].count < underloaded[j].count })

	moved := 0
	for _, ov := range overloaded {
		toMove := int(float64(ov.count) - avg)
		if toMove <= 0 {
			continue
		}
		openTasks, err := r.assignSt.ListOpenByDevice(ctx, ov.device.ID)
		if err != nil {
			r.log.Error("rebalance: list open assignments failed", "device_id", ov.device.ID, "error", err)
			continue
		}
		// Newest (least-started) open tasks move first.
		sort.Slice(openTasks, func(i, j int) bool { return openTasks[i].AssignedAt.After(openTasks[j].AssignedAt) })

		for i := 0; i < toMove && i < len(openTasks) && len(underloaded) > 0; i++ {
			target := underloaded[0]
			if !target.device.HasCapacity() {
				underloaded = underloaded[1:]
				i--
				continue
			}
			a := openTasks[i]
			if err := r.moveOne(ctx, ov.device, target.device, a); err != nil {
				r.log.Error("rebalance: move failed", "task_id", a.TaskID, "from", ov.device.ID, "to", target.device.ID, "error", err)
				continue
			}
			moved++
			metrics.RebalanceMovesTotal.Inc()
			ov.count--
			target.count++
			if target.count >= int(avg) {
				underloaded = underloaded[1:]
			}
		}
	}

	if r.events != nil && moved > 0 {
		r.events.Publish(ctx, "rebalance.completed", "", map[string]interface{}{"moved": moved})
	}
	return moved, nil
}

func (r *Rebalancer) moveOne(ctx context.Context, from, to *domain.Device, a *domain.Assignment) error {
	task, err := r.tasks.GetTask(ctx, a.TaskID)
	if err != nil {
		return err
	}
	if err := r.assignSt.CloseAssignment(ctx, a.TaskID, from.ID, domain.AssignmentFailed, "rebalanced", nil, nil); err != nil {
		return fmt.Errorf("close source assignment: %w", err)
	}
	// ReleaseTask flips the task back to pending so Place's compare-and-set
	// can retarget it; the source device's counter is decremented below.
	if err := r.tasks.ReleaseTask(ctx, a.TaskID, from.ID); err != nil {
		return fmt.Errorf("release from source device: %w", err)
	}
	if err := r.registry.DecCounter(ctx, from.ID); err != nil {
		r.log.Error("rebalance: dec counter failed", "device_id", from.ID, "error", err)
	}
	task.Status = domain.TaskPending
	placed, err := r.placer.Place(ctx, task, to)
	if err != nil {
		return err
	}
	if !placed {
		return fmt.Errorf("place returned conflict")
	}
	return nil
}
