// Package ports declares the interfaces distribution components depend on,
// kept deliberately small per component.
package ports

import (
	"context"
	"time"

	"github.com/taskfleet/distribution/internal/distribution/domain"
)

// DeviceStore is the Store's (C1) device-facing surface used by the Device
// Registry (C2) and Heartbeat Collector (C3).
type DeviceStore interface {
	RegisterDevice(ctx context.Context, d *domain.Device) error
	UpdateHeartbeatMeta(ctx context.Context, deviceID string, runningTasks *int) error
	IncCounter(ctx context.Context, deviceID string) error
	DecCounter(ctx context.Context, deviceID string) error
	SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error
	ResetCounter(ctx context.Context, deviceID string) error
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	ListDevices(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error)
	ListAvailable(ctx context.Context) ([]*domain.Device, error)
	ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error)
	CountDevicesByStatus(ctx context.Context) (map[domain.DeviceStatus]int64, error)
}

// HeartbeatStore is the Store's heartbeat time-series surface.
type HeartbeatStore interface {
	AppendHeartbeat(ctx context.Context, h *domain.Heartbeat) error
	LatestHeartbeat(ctx context.Context, deviceID string) (*domain.Heartbeat, error)
	DeleteHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskStore is the Store's task-facing surface used by the Task Queue (C4).
type TaskStore interface {
	AddTasks(ctx context.Context, tasks []*domain.Task) error
	FetchAssignable(ctx context.Context, taskType string, limit int) ([]*domain.Task, error)
	Assign(ctx context.Context, taskID int64, deviceID string) (bool, error)
	MarkRunning(ctx context.Context, taskID int64) error
	MarkDone(ctx context.Context, taskID int64, result *string) error
	MarkDoneBatch(ctx context.Context, taskIDs []int64) error
	Fail(ctx context.Context, taskID int64, retryDelay time.Duration, errMsg *string) error
	Requeue(ctx context.Context, taskID int64) error
	ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error)
	ReleaseTask(ctx context.Context, taskID int64, deviceID string) error
	ListByDevice(ctx context.Context, deviceID string) ([]*domain.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
	GetTask(ctx context.Context, taskID int64) (*domain.Task, error)
	ZeroPending(ctx context.Context) (int64, error)
	ResetFailed(ctx context.Context) (int64, error)
	ShouldCreateNewTasks(ctx context.Context, intervalHours int) (bool, error)
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error)
}

// TaskFilter narrows ListTasks by status/type/device; zero values mean "any".
type TaskFilter struct {
	Status   domain.TaskStatus
	TaskType string
	DeviceID string
	Limit    int
}

// AssignmentStore is the Store's append-only assignment ledger surface
// (C6).
type AssignmentStore interface {
	GetOrCreateAssignment(ctx context.Context, taskID int64, deviceID string) (*domain.Assignment, bool, error)
	MarkAssignmentRunning(ctx context.Context, taskID int64, deviceID string) error
	CloseAssignment(ctx context.Context, taskID int64, deviceID string, status domain.AssignmentStatus, reason string, errMsg, result *string) error
	ListOpenByDevice(ctx context.Context, deviceID string) ([]*domain.Assignment, error)
	ListTimedOutAssignments(ctx context.Context, age time.Duration) ([]*domain.Assignment, error)
	ListByTask(ctx context.Context, taskID int64) ([]*domain.Assignment, error)
	DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates the four sub-stores; adapters implement all of them
// against one transactional backend.
type Store interface {
	DeviceStore
	HeartbeatStore
	TaskStore
	AssignmentStore
}

// EventPublisher is the observational fan-out used by components to
// announce lifecycle events; never the queue of record.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, aggregateID string, payload map[string]interface{})
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
