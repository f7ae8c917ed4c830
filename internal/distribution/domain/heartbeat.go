package domain

import "time"

// NetworkStatus is the self-reported network health of a device.
type NetworkStatus string

const (
	NetworkOK        NetworkStatus = "ok"
	NetworkDegraded  NetworkStatus = "degraded"
	NetworkUnknown   NetworkStatus = "unknown"
)

// Heartbeat is one time-series sample from a device, per spec §3.4.
type Heartbeat struct {
	ID           int64         `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID     string        `json:"device_id" gorm:"column:device_id;index:idx_heartbeats_device_t"`
	T            time.Time     `json:"t" gorm:"column:t;index:idx_heartbeats_device_t"`
	CPUPercent   float64       `json:"cpu_usage" gorm:"column:cpu_percent"`
	MemPercent   float64       `json:"memory_usage" gorm:"column:mem_percent"`
	DiskPercent  float64       `json:"disk_usage" gorm:"column:disk_percent"`
	NetStatus    NetworkStatus `json:"network_status" gorm:"column:net_status"`
	RunningTasks int           `json:"running_tasks" gorm:"column:running_tasks"`
	Load         float64       `json:"system_load" gorm:"column:load"`
	ErrorCount   int           `json:"error_count" gorm:"column:error_count"`
	StatusInfo   string        `json:"status_info" gorm:"column:status_info"`
}

func (Heartbeat) TableName() string { return "heartbeats" }

// Weight implements spec §4.4's weighted load-balancing policy:
// weight = max(1, 100 − (cpu% + mem%)/2), default 50 when absent.
func (h *Heartbeat) Weight() float64 {
	if h == nil {
		return 50
	}
	w := 100 - (h.CPUPercent+h.MemPercent)/2
	if w < 1 {
		w = 1
	}
	return w
}
