package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is a state in the task lifecycle described in spec §3.2.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskAssigned TaskStatus = "assigned"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
	TaskZero     TaskStatus = "zero"
)

// Payload is the opaque structured value passed verbatim to the executor.
type Payload map[string]interface{}

// Task is one unit of work, per spec §3.2.
type Task struct {
	ID                int64      `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TaskType          string     `json:"task_type" gorm:"column:task_type;index"`
	Payload           Payload    `json:"payload" gorm:"column:payload;serializer:json"`
	Priority          int        `json:"priority" gorm:"column:priority;index"`
	Status            TaskStatus `json:"status" gorm:"column:status;index:idx_tasks_status_nextrun"`
	Retry             int        `json:"retry" gorm:"column:retry"`
	MaxRetryCount     int        `json:"max_retry_count" gorm:"column:max_retry_count"`
	ExecutionTimeout  int        `json:"execution_timeout" gorm:"column:execution_timeout"` // seconds
	NextRunAt         time.Time  `json:"next_run_at" gorm:"column:next_run_at;index:idx_tasks_status_nextrun"`
	AssignedDeviceID  *string    `json:"assigned_device_id" gorm:"column:assigned_device_id;index:idx_tasks_device_status"`
	AssignedAt        *time.Time `json:"assigned_at" gorm:"column:assigned_at"`
	Result            *string    `json:"result" gorm:"column:result"`
	ErrorMessage      *string    `json:"error_message" gorm:"column:error_message"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Task) TableName() string { return "tasks" }

// TerminallyFailed reports whether the task has exhausted its retry budget.
func (t *Task) TerminallyFailed() bool {
	return t.Retry >= t.MaxRetryCount
}

// ExecutionTimeoutOrDefault returns the per-attempt deadline, defaulting to
// 30 minutes when unset, per spec §4.5.
func (t *Task) ExecutionTimeoutOrDefault() time.Duration {
	if t.ExecutionTimeout <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(t.ExecutionTimeout) * time.Second
}

// BackoffBase and BackoffCap implement spec §4.3's retry formula; with
// attempt counted from 1 as Backoff takes it, delay(attempt) =
// min(base*2^(attempt-1), cap).
const (
	BackoffBase = 60 * time.Second
	BackoffCap  = 3600 * time.Second
)

// Backoff computes the delay that Fail adds to next_run_at after a
// failure. attempt is the task's retry count *after* incrementing (i.e.
// the value callers pass to Queue.Fail), so the first failure is attempt=1
// and gets BackoffBase, the second is attempt=2 and gets BackoffBase*2, and
// so on, per spec §4.3's delay(n) = min(base*2^(n-1), cap).
func Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return BackoffBase
	}
	delay := BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= BackoffCap {
			return BackoffCap
		}
	}
	return delay
}

// MarshalPayload is a convenience for callers building a Payload from a
// concrete struct.
func MarshalPayload(v interface{}) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p, nil
}
