// Package domain holds the plain types shared by every distribution
// component: devices, tasks, assignments, heartbeat samples.
package domain

import (
	"regexp"
	"strconv"
	"time"
)

// DeviceStatus is the lifecycle state of a worker node.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceBusy    DeviceStatus = "busy"
	DeviceOffline DeviceStatus = "offline"
)

// deviceIDPattern matches `<role>-<disambiguator>`; role is free-form but
// the whole string must be a safe identifier.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ValidDeviceID reports whether id satisfies the device ID format.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// Capabilities is the free-form capability map carried on a device.
type Capabilities struct {
	SupportedTaskTypes []string `json:"supported_task_types"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// Supports reports whether the device advertises support for taskType.
// An empty SupportedTaskTypes list means "accepts anything".
func (c Capabilities) Supports(taskType string) bool {
	if len(c.SupportedTaskTypes) == 0 {
		return true
	}
	for _, t := range c.SupportedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Device represents one worker process, as described in spec §3.1.
type Device struct {
	ID                 string       `json:"device_id" gorm:"column:device_id;primaryKey"`
	DeviceName         string       `json:"device_name" gorm:"column:device_name"`
	DeviceType         string       `json:"device_type" gorm:"column:device_type"`
	IPAddress          string       `json:"ip_address" gorm:"column:ip_address"`
	Port               int          `json:"port" gorm:"column:port"`
	Capabilities       Capabilities `json:"capabilities" gorm:"column:capabilities;serializer:json"`
	MaxConcurrentTasks int          `json:"max_concurrent_tasks" gorm:"column:max_concurrent_tasks"`
	CurrentTasks       int          `json:"current_tasks" gorm:"column:current_tasks"`
	Status             DeviceStatus `json:"status" gorm:"column:status;index"`
	LastHeartbeat       *time.Time  `json:"last_heartbeat" gorm:"column:last_heartbeat;index"`
	CreatedAt          time.Time    `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Device) TableName() string { return "devices" }

// HasCapacity reports whether the device can accept one more task.
func (d *Device) HasCapacity() bool {
	return d.CurrentTasks < d.MaxConcurrentTasks
}

// Address returns the host:port form of the device's network address.
func (d *Device) Address() string {
	if d.Port == 0 {
		return d.IPAddress
	}
	return d.IPAddress + ":" + strconv.Itoa(d.Port)
}
