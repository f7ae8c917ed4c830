package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_TerminallyFailed(t *testing.T) {
	tests := []struct {
		name          string
		retry, maxRet int
		want          bool
	}{
		{"below budget", 1, 3, false},
		{"at budget", 3, 3, true},
		{"past budget", 4, 3, true},
		{"zero budget never retries", 0, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := &Task{Retry: tc.retry, MaxRetryCount: tc.maxRet}
			assert.Equal(t, tc.want, task.TerminallyFailed())
		})
	}
}

func TestTask_ExecutionTimeoutOrDefault(t *testing.T) {
	assert.Equal(t, 30*time.Minute, (&Task{}).ExecutionTimeoutOrDefault())
	assert.Equal(t, 45*time.Second, (&Task{ExecutionTimeout: 45}).ExecutionTimeoutOrDefault())
}

func TestBackoff_DoublesUntilCap(t *testing.T) {
	assert.Equal(t, BackoffBase, Backoff(1), "first failure (retry=1) waits one base interval")
	assert.Equal(t, 2*BackoffBase, Backoff(2), "second failure (retry=2) doubles")
	assert.Equal(t, 4*BackoffBase, Backoff(3))
	assert.Equal(t, BackoffCap, Backoff(10), "backoff must not exceed the configured cap")
	assert.Equal(t, BackoffBase, Backoff(0), "a non-positive attempt count clamps to the base interval")
	assert.Equal(t, BackoffBase, Backoff(-1))
}

func TestCapabilities_Supports(t *testing.T) {
	empty := Capabilities{}
	assert.True(t, empty.Supports("anything"), "an empty capability list accepts any task type")

	scoped := Capabilities{SupportedTaskTypes: []string{"fetch_report"}}
	assert.True(t, scoped.Supports("fetch_report"))
	assert.False(t, scoped.Supports("other_type"))
}

func TestDevice_HasCapacity(t *testing.T) {
	d := &Device{MaxConcurrentTasks: 2, CurrentTasks: 1}
	assert.True(t, d.HasCapacity())
	d.CurrentTasks = 2
	assert.False(t, d.HasCapacity())
}

func TestDevice_Address(t *testing.T) {
	assert.Equal(t, "10.0.0.1:9000", (&Device{IPAddress: "10.0.0.1", Port: 9000}).Address())
	assert.Equal(t, "10.0.0.1", (&Device{IPAddress: "10.0.0.1"}).Address(), "a zero port yields a bare host")
}

func TestValidDeviceID(t *testing.T) {
	assert.True(t, ValidDeviceID("worker-1"))
	assert.False(t, ValidDeviceID(""), "empty string must not match")
	assert.False(t, ValidDeviceID("1worker"), "must start with a letter")
	assert.False(t, ValidDeviceID("worker with spaces"))
}

func TestHeartbeat_Weight(t *testing.T) {
	var nilHB *Heartbeat
	assert.Equal(t, 50.0, nilHB.Weight(), "a missing heartbeat defaults to the neutral weight")

	idle := &Heartbeat{CPUPercent: 0, MemPercent: 0}
	assert.Equal(t, 100.0, idle.Weight())

	saturated := &Heartbeat{CPUPercent: 100, MemPercent: 100}
	assert.Equal(t, 1.0, saturated.Weight(), "weight is floored at 1 rather than going negative")
}

func TestAssignment_IsOpen(t *testing.T) {
	assert.True(t, (&Assignment{Status: AssignmentAssigned}).IsOpen())
	assert.True(t, (&Assignment{Status: AssignmentRunning}).IsOpen())
	assert.False(t, (&Assignment{Status: AssignmentDone}).IsOpen())
	assert.False(t, (&Assignment{Status: AssignmentFailed}).IsOpen())
}
