// Package httpapi implements the Control API (C10): the HTTP surface
// devices and operators use to register, report heartbeats, enqueue and
// inspect tasks, and trigger maintenance actions. Grounded on
// internal/services/execution/handlers/handlers.go's handler-struct shape
// and internal/execution/server/server.go's router setup.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taskfleet/distribution/internal/distribution/app/dispatcher"
	"github.com/taskfleet/distribution/internal/distribution/app/heartbeat"
	"github.com/taskfleet/distribution/internal/distribution/app/queue"
	"github.com/taskfleet/distribution/internal/distribution/app/rebalancer"
	"github.com/taskfleet/distribution/internal/distribution/app/registry"
	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
)

// Handlers wires every distribution component into gin handler funcs.
type Handlers struct {
	registry   *registry.Registry
	queue      *queue.Queue
	assignSt   ports.AssignmentStore
	hbStore    ports.HeartbeatStore
	collector  *heartbeat.Collector
	dispatch   *dispatcher.Dispatcher
	rebalance  *rebalancer.Rebalancer
	log        logger.Logger
}

func NewHandlers(
	reg *registry.Registry,
	q *queue.Queue,
	assignSt ports.AssignmentStore,
	hbStore ports.HeartbeatStore,
	collector *heartbeat.Collector,
	dispatch *dispatcher.Dispatcher,
	rebalance *rebalancer.Rebalancer,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		registry:  reg,
		queue:     q,
		assignSt:  assignSt,
		hbStore:   hbStore,
		collector: collector,
		dispatch:  dispatch,
		rebalance: rebalance,
		log:       log,
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "live"})
}

func (h *Handlers) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// --- Devices ---

func (h *Handlers) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d := &domain.Device{
		ID:         req.DeviceID,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
		IPAddress:  req.IPAddress,
		Port:       req.Port,
		Status:     domain.DeviceOnline,
	}
	if req.Capabilities != nil {
		d.Capabilities = *req.Capabilities
		if d.MaxConcurrentTasks == 0 {
			d.MaxConcurrentTasks = req.Capabilities.MaxConcurrentTasks
		}
	}
	if err := h.registry.Register(c.Request.Context(), d); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handlers) ListDevices(c *gin.Context) {
	status := domain.DeviceStatus(c.Query("status"))
	devices, err := h.registry.List(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handlers) GetDevice(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	device, err := h.registry.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	latest, _ := h.hbStore.LatestHeartbeat(ctx, id)
	openTasks, _ := h.queue.ListByDevice(ctx, id)
	c.JSON(http.StatusOK, gin.H{
		"device":          device,
		"latest_heartbeat": latest,
		"open_tasks":      openTasks,
	})
}

func (h *Handlers) Heartbeat(c *gin.Context) {
	id := c.Param("id")
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hb := &domain.Heartbeat{
		DeviceID:     id,
		T:            time.Now().UTC(),
		CPUPercent:   req.CPUUsage,
		MemPercent:   req.MemoryUsage,
		DiskPercent:  req.DiskUsage,
		NetStatus:    domain.NetworkStatus(req.NetworkStatus),
		RunningTasks: req.RunningTasks,
		Load:         req.SystemLoad,
		ErrorCount:   req.ErrorCount,
		StatusInfo:   req.StatusInfo,
	}
	if hb.NetStatus == "" {
		hb.NetStatus = domain.NetworkUnknown
	}
	if err := h.collector.Ingest(c.Request.Context(), hb); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) SetDeviceStatus(c *gin.Context) {
	id := c.Param("id")
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := domain.DeviceStatus(req.Status)
	if err := h.registry.SetStatus(c.Request.Context(), id, status); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Tasks ---

func (h *Handlers) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t := &domain.Task{
		TaskType:         req.TaskType,
		Payload:          req.Payload,
		Priority:         req.Priority,
		ExecutionTimeout: req.ExecutionTimeout,
		MaxRetryCount:    req.MaxRetryCount,
		Status:           domain.TaskPending,
	}
	if req.NextRunAt != nil {
		if parsed, err := time.Parse(time.RFC3339, *req.NextRunAt); err == nil {
			t.NextRunAt = parsed
		}
	}
	if err := h.queue.Add(c.Request.Context(), []*domain.Task{t}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handlers) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	filter := ports.TaskFilter{
		Status:   domain.TaskStatus(c.Query("status")),
		TaskType: c.Query("task_type"),
		DeviceID: c.Query("device_id"),
		Limit:    limit,
	}
	tasks, err := h.queue.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handlers) GetTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	ctx := c.Request.Context()
	task, err := h.queue.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	assignments, _ := h.assignSt.ListByTask(ctx, id)
	c.JSON(http.StatusOK, gin.H{"task": task, "assignments": assignments})
}

func (h *Handlers) AssignTask(c *gin.Context) {
	var req assignTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	device, err := h.registry.Get(ctx, req.DeviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	task, err := h.queue.Get(ctx, req.TaskID)
	if err != nil {
		writeError(c, err)
		return
	}
	placed, err := h.dispatch.ForceDispatch(ctx, task.ID, device)
	if err != nil {
		writeError(c, err)
		return
	}
	if !placed {
		c.JSON(http.StatusConflict, gin.H{"error": "placement conflict"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "assigned"})
}

// ReportTaskStatus is the worker→controller status report of §6.1's
// PUT /tasks/status: on completed/failed it closes the assignment and
// decrements the device counter.
func (h *Handlers) ReportTaskStatus(c *gin.Context) {
	var req taskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	status := domain.AssignmentStatus(req.Status)

	switch status {
	case domain.AssignmentRunning:
		if err := h.queue.MarkRunning(ctx, req.TaskID); err != nil {
			writeError(c, err)
			return
		}
		if err := h.assignSt.MarkAssignmentRunning(ctx, req.TaskID, req.DeviceID); err != nil {
			writeError(c, err)
			return
		}
	case domain.AssignmentDone:
		if err := h.queue.MarkDone(ctx, req.TaskID, req.ResultData); err != nil {
			writeError(c, err)
			return
		}
		if err := h.assignSt.CloseAssignment(ctx, req.TaskID, req.DeviceID, domain.AssignmentDone, "completed", nil, req.ResultData); err != nil {
			writeError(c, err)
			return
		}
		if err := h.registry.DecCounter(ctx, req.DeviceID); err != nil {
			h.log.Error("dec counter after completion failed", "device_id", req.DeviceID, "error", err)
		}
	case domain.AssignmentFailed:
		task, err := h.queue.Get(ctx, req.TaskID)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := h.assignSt.CloseAssignment(ctx, req.TaskID, req.DeviceID, domain.AssignmentFailed, "executor failure", req.ErrorMessage, nil); err != nil {
			writeError(c, err)
			return
		}
		if err := h.registry.DecCounter(ctx, req.DeviceID); err != nil {
			h.log.Error("dec counter after failure failed", "device_id", req.DeviceID, "error", err)
		}
		if err := h.queue.Fail(ctx, req.TaskID, task.Retry+1, req.ErrorMessage); err != nil {
			writeError(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + req.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PullTasks returns up to `limit` (capped at 10) assigned-but-not-yet-running
// tasks for the requesting device.
func (h *Handlers) PullTasks(c *gin.Context) {
	deviceID := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 10 {
		limit = 10
	}
	tasks, err := h.queue.List(c.Request.Context(), ports.TaskFilter{
		DeviceID: deviceID,
		Status:   domain.TaskAssigned,
		Limit:    limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// --- Stats & management ---

func (h *Handlers) StatsOverview(c *gin.Context) {
	ctx := c.Request.Context()
	taskCounts, err := h.queue.CountByStatus(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	deviceCounts, err := h.registry.CountByStatus(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks_by_status":   taskCounts,
		"devices_by_status": deviceCounts,
	})
}

func (h *Handlers) TriggerRebalance(c *gin.Context) {
	moved, err := h.rebalance.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moved": moved})
}

func (h *Handlers) Cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	hbCutoff := time.Now().UTC().AddDate(0, 0, -req.Days)
	deletedHeartbeats, err := h.hbStore.DeleteHeartbeatsOlderThan(ctx, hbCutoff)
	if err != nil {
		writeError(c, err)
		return
	}
	assignCutoff := time.Now().UTC().AddDate(0, 0, -4*req.Days)
	deletedAssignments, err := h.assignSt.DeleteClosedOlderThan(ctx, assignCutoff)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted_heartbeats":  deletedHeartbeats,
		"deleted_assignments": deletedAssignments,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrBadInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrPlacementConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
