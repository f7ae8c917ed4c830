package domain

import "time"

// AssignmentStatus is a state in the assignment lifecycle, per spec §3.3.
type AssignmentStatus string

const (
	AssignmentAssigned AssignmentStatus = "assigned"
	AssignmentRunning  AssignmentStatus = "running"
	AssignmentDone     AssignmentStatus = "completed"
	AssignmentFailed   AssignmentStatus = "failed"
	AssignmentTimeout  AssignmentStatus = "timeout"
)

// OpenAssignmentStatuses are the non-terminal assignment states.
var OpenAssignmentStatuses = []AssignmentStatus{AssignmentAssigned, AssignmentRunning}

// Assignment is an append-only record of one (task, device, attempt), per
// spec §3.3. A re-dispatch to the same device reuses the row rather than
// inserting a new one, per the Place protocol.
type Assignment struct {
	ID          string            `json:"id" gorm:"column:id;primaryKey"`
	TaskID      int64             `json:"task_id" gorm:"column:task_id;uniqueIndex:idx_assignments_task_device"`
	DeviceID    string            `json:"device_id" gorm:"column:device_id;uniqueIndex:idx_assignments_task_device;index:idx_assignments_device_status"`
	Status      AssignmentStatus  `json:"status" gorm:"column:status;index:idx_assignments_device_status"`
	RetryCount  int               `json:"retry_count" gorm:"column:retry_count"`
	AssignedAt  time.Time         `json:"assigned_at" gorm:"column:assigned_at;index"`
	StartedAt   *time.Time        `json:"started_at" gorm:"column:started_at"`
	CompletedAt *time.Time        `json:"completed_at" gorm:"column:completed_at"`
	ErrorMessage *string          `json:"error_message" gorm:"column:error_message"`
	ResultData  *string           `json:"result_data" gorm:"column:result_data"`
	CloseReason *string           `json:"close_reason" gorm:"column:close_reason"`
}

func (Assignment) TableName() string { return "assignments" }

// IsOpen reports whether the assignment is still non-terminal.
func (a *Assignment) IsOpen() bool {
	return a.Status == AssignmentAssigned || a.Status == AssignmentRunning
}
