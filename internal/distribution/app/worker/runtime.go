// Package worker is the device-side runtime (C9): it registers with the
// controller, samples and reports liveness, pulls assigned tasks, and
// drives a bounded executor pool. Grounded on
// internal/execution/app/queue/worker_pool.go's pool shape and
// internal/services/execution/cost/tracker.go's gopsutil sampling.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taskfleet/distribution/internal/distribution/client"
	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

// Executor runs one task's payload and returns an opaque result or an error.
// Panics are recovered by the pool and converted to a failed report; the
// callback contract never needs to worry about its own crash leaking out.
type Executor func(ctx context.Context, task *domain.Task) (string, error)

// Config configures one worker runtime instance.
type Config struct {
	Device             *domain.Device
	ConcurrentTasks    int
	HeartbeatInterval  time.Duration
	PullIdleInterval   time.Duration
	MaxConsecutiveErrs int
}

// Runtime is the worker-side process loop: heartbeat sender, task puller,
// and bounded executor pool, all sharing one Client to the Control API.
type Runtime struct {
	cfg      Config
	client   *client.Client
	executor Executor
	log      logger.Logger

	sem     chan struct{} // bounds concurrent executions to cfg.ConcurrentTasks
	inFlight int32
	mu       sync.Mutex

	heartbeatErrs int
	disconnected  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, c *client.Client, executor Executor, log logger.Logger) *Runtime {
	if cfg.ConcurrentTasks <= 0 {
		cfg.ConcurrentTasks = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PullIdleInterval <= 0 {
		cfg.PullIdleInterval = 5 * time.Second
	}
	if cfg.MaxConsecutiveErrs <= 0 {
		cfg.MaxConsecutiveErrs = 5
	}
	return &Runtime{
		cfg:      cfg,
		client:   c,
		executor: executor,
		log:      log,
		sem:      make(chan struct{}, cfg.ConcurrentTasks),
		stopCh:   make(chan struct{}),
	}
}

// Start registers the device then launches the heartbeat and pull loops.
// It returns once registration succeeds; the loops run in the background
// until Stop is called.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.client.Register(ctx, r.cfg.Device); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	r.log.Info("worker registered", "device_id", r.cfg.Device.ID)

	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.pullLoop(ctx)
	return nil
}

func (r *Runtime) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context) {
	hb := r.sample()
	if err := r.client.Heartbeat(ctx, r.cfg.Device.ID, hb); err != nil {
		r.heartbeatErrs++
		r.log.Error("heartbeat send failed", "device_id", r.cfg.Device.ID, "consecutive_errors", r.heartbeatErrs, "error", err)
		if r.heartbeatErrs >= r.cfg.MaxConsecutiveErrs {
			r.disconnected = true
			r.log.Warn("worker marking itself disconnected after repeated heartbeat failures", "device_id", r.cfg.Device.ID)
		}
		return
	}
	r.heartbeatErrs = 0
	r.disconnected = false
}

// sample reads live resource usage. Individual gopsutil calls degrade to
// zero values on failure rather than aborting the heartbeat entirely.
func (r *Runtime) sample() *domain.Heartbeat {
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memPct := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	diskPct := 0.0
	if du, err := disk.Usage("/"); err == nil {
		diskPct = du.UsedPercent
	}
	sysLoad := 0.0
	if la, err := load.Avg(); err == nil {
		sysLoad = la.Load1
	}

	netStatus := domain.NetworkOK
	if r.disconnected {
		netStatus = domain.NetworkDegraded
	}

	return &domain.Heartbeat{
		DeviceID:     r.cfg.Device.ID,
		T:            time.Now().UTC(),
		CPUPercent:   cpuPct,
		MemPercent:   memPct,
		DiskPercent:  diskPct,
		NetStatus:    netStatus,
		RunningTasks: r.currentInFlight(),
		Load:         sysLoad,
		ErrorCount:   r.heartbeatErrs,
	}
}

func (r *Runtime) currentInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.inFlight)
}

func (r *Runtime) pullLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		capacity := r.cfg.ConcurrentTasks - r.currentInFlight()
		if capacity <= 0 {
			r.sleep(r.cfg.PullIdleInterval)
			continue
		}

		tasks, err := r.client.Pull(ctx, r.cfg.Device.ID, capacity)
		if err != nil {
			r.log.Error("pull tasks failed", "device_id", r.cfg.Device.ID, "error", err)
			r.sleep(r.cfg.PullIdleInterval)
			continue
		}
		if len(tasks) == 0 {
			r.sleep(r.cfg.PullIdleInterval)
			continue
		}

		for _, t := range tasks {
			r.dispatch(ctx, t)
		}
	}
}

func (r *Runtime) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-r.stopCh:
	}
}

// dispatch claims a pool slot and runs the task's executor in its own
// goroutine, reporting running/completed/failed back to the controller.
func (r *Runtime) dispatch(ctx context.Context, task *domain.Task) {
	select {
	case r.sem <- struct{}{}:
	case <-r.stopCh:
		return
	}

	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			<-r.sem
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
		}()
		r.runOne(ctx, task)
	}()
}

func (r *Runtime) runOne(ctx context.Context, task *domain.Task) {
	deviceID := r.cfg.Device.ID
	if err := r.client.ReportStatus(ctx, task.ID, deviceID, domain.AssignmentRunning, nil, nil); err != nil {
		r.log.Error("report running failed", "task_id", task.ID, "error", err)
	}

	taskCtx, cancel := context.WithTimeout(ctx, task.ExecutionTimeoutOrDefault())
	defer cancel()

	result, err := r.safeExecute(taskCtx, task)
	if err != nil {
		msg := err.Error()
		if rerr := r.client.ReportStatus(ctx, task.ID, deviceID, domain.AssignmentFailed, &msg, nil); rerr != nil {
			r.log.Error("report failed-status failed", "task_id", task.ID, "error", rerr)
		}
		return
	}
	if rerr := r.client.ReportStatus(ctx, task.ID, deviceID, domain.AssignmentDone, nil, &result); rerr != nil {
		r.log.Error("report done-status failed", "task_id", task.ID, "error", rerr)
	}
}

// safeExecute recovers from executor panics so one bad callback cannot take
// down the pull loop or leak an in-flight slot.
func (r *Runtime) safeExecute(ctx context.Context, task *domain.Task) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return r.executor(ctx, task)
}
