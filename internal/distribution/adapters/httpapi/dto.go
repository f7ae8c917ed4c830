package httpapi

import "github.com/taskfleet/distribution/internal/distribution/domain"

type registerDeviceRequest struct {
	DeviceID     string                `json:"device_id" binding:"required"`
	DeviceName   string                `json:"device_name"`
	DeviceType   string                `json:"device_type"`
	IPAddress    string                `json:"ip_address"`
	Port         int                   `json:"port"`
	Capabilities *domain.Capabilities  `json:"capabilities"`
}

type heartbeatRequest struct {
	DeviceID     string  `json:"device_id"`
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
	DiskUsage    float64 `json:"disk_usage"`
	NetworkStatus string `json:"network_status"`
	RunningTasks int     `json:"running_tasks"`
	SystemLoad   float64 `json:"system_load"`
	ErrorCount   int     `json:"error_count"`
	StatusInfo   string  `json:"status_info"`
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type createTaskRequest struct {
	TaskType        string         `json:"task_type" binding:"required"`
	Payload         domain.Payload `json:"payload"`
	Priority        int            `json:"priority"`
	ExecutionTimeout int           `json:"execution_timeout"`
	MaxRetryCount   int            `json:"max_retry_count"`
	NextRunAt       *string        `json:"next_run_at"`
}

type assignTaskRequest struct {
	TaskID   int64  `json:"task_id" binding:"required"`
	DeviceID string `json:"device_id" binding:"required"`
}

type taskStatusRequest struct {
	TaskID      int64   `json:"task_id" binding:"required"`
	DeviceID    string  `json:"device_id" binding:"required"`
	Status      string  `json:"status" binding:"required"`
	ErrorMessage *string `json:"error_message"`
	ResultData   *string `json:"result_data"`
}

type cleanupRequest struct {
	Days int `json:"days" binding:"required"`
}
