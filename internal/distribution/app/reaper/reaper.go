// Package reaper implements the Timeout Reaper (C7): periodically detects
// assignments that exceeded their deadline and recovers them. Grounded on
// internal/services/executor/distributed/coordinator.go's offline-recovery
// flow, adapted to operate on assignment age rather than worker heartbeat
// age.
package reaper

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

// Config tunes the Reaper's default per-attempt deadline.
type Config struct {
	Interval       time.Duration // default 10s, usually tied to dispatch_interval
	DefaultTimeout time.Duration // default 30m, used when a task has no execution_timeout
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
}

// Registry is the subset of the Device Registry the Reaper needs.
type Registry interface {
	DecCounter(ctx context.Context, deviceID string) error
}

// TaskQueue is the subset of the Task Queue the Reaper needs.
type TaskQueue interface {
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	Fail(ctx context.Context, taskID int64, attempt int, errMsg *string) error
	// Requeue puts a task back to pending with an incremented retry
	// counter and cleared assignment, without applying backoff — the task
	// is immediately assignable again, per spec §4.5 step 3.
	Requeue(ctx context.Context, taskID int64) error
}

// Reaper is the Timeout Reaper (C7).
type Reaper struct {
	cfg      Config
	registry Registry
	tasks    TaskQueue
	assignSt ports.AssignmentStore
	events   ports.EventPublisher
	log      logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, registry Registry, tasks TaskQueue, assignSt ports.AssignmentStore, events ports.EventPublisher, log logger.Logger) *Reaper {
	cfg.setDefaults()
	return &Reaper{cfg: cfg, registry: registry, tasks: tasks, assignSt: assignSt, events: events, log: log, stopCh: make(chan struct{})}
}

func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Error("reaper tick failed", "error", err)
			}
		}
	}
}

// Tick runs one pass of spec §4.5's recovery algorithm.
func (r *Reaper) Tick(ctx context.Context) error {
	stale, err := r.assignSt.ListTimedOutAssignments(ctx, r.cfg.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("list timed out assignments: %w", err)
	}
	for _, a := range stale {
		r.recover(ctx, a)
	}
	return nil
}

func (r *Reaper) recover(ctx context.Context, a *domain.Assignment) {
	task, err := r.tasks.GetTask(ctx, a.TaskID)
	if err != nil {
		r.log.Error("reaper: get task failed", "task_id", a.TaskID, "error", err)
		return
	}

	// ListTimedOutAssignments already filters per the task's own
	// execution_timeout; this is a defensive re-check against the same
	// deadline in case the task's timeout changed between the query and
	// here, not the primary enforcement point.
	deadline := task.ExecutionTimeoutOrDefault()
	if time.Since(a.AssignedAt) < deadline {
		return
	}

	msg := "assignment timed out"
	if err := r.assignSt.CloseAssignment(ctx, a.TaskID, a.DeviceID, domain.AssignmentTimeout, "timeout", &msg, nil); err != nil {
		r.log.Error("reaper: close assignment failed", "task_id", a.TaskID, "error", err)
		return
	}
	if err := r.registry.DecCounter(ctx, a.DeviceID); err != nil {
		r.log.Error("reaper: dec counter failed", "device_id", a.DeviceID, "error", err)
	}

	if task.Retry < task.MaxRetryCount {
		if err := r.tasks.Requeue(ctx, a.TaskID); err != nil {
			r.log.Error("reaper: requeue failed", "task_id", a.TaskID, "error", err)
		}
		metrics.RecordReaperRecovery("requeued")
	} else {
		if err := r.tasks.Fail(ctx, a.TaskID, task.Retry+1, &msg); err != nil {
			r.log.Error("reaper: terminal fail failed", "task_id", a.TaskID, "error", err)
		}
		metrics.RecordReaperRecovery("failed")
	}

	if r.events != nil {
		r.events.Publish(ctx, "task.timeout", fmt.Sprintf("%d", a.TaskID), map[string]interface{}{
			"device_id": a.DeviceID,
		})
	}
	r.log.Info("assignment reaped", "task_id", a.TaskID, "device_id", a.DeviceID)
}
