package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

func noopLogger() logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
}

type fakeRegistry struct {
	timedOut      []*domain.Device
	updated       []string
	statuses      map[string]domain.DeviceStatus
	resetCounters []string
}

func (f *fakeRegistry) UpdateHeartbeat(ctx context.Context, deviceID string, runningTasks *int) error {
	f.updated = append(f.updated, deviceID)
	return nil
}
func (f *fakeRegistry) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error) {
	return f.timedOut, nil
}
func (f *fakeRegistry) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	if f.statuses == nil {
		f.statuses = map[string]domain.DeviceStatus{}
	}
	f.statuses[deviceID] = status
	return nil
}
func (f *fakeRegistry) ResetCounter(ctx context.Context, deviceID string) error {
	f.resetCounters = append(f.resetCounters, deviceID)
	return nil
}

type fakeHBStore struct {
	appended []*domain.Heartbeat
}

func (f *fakeHBStore) AppendHeartbeat(ctx context.Context, h *domain.Heartbeat) error {
	f.appended = append(f.appended, h)
	return nil
}
func (f *fakeHBStore) LatestHeartbeat(ctx context.Context, deviceID string) (*domain.Heartbeat, error) {
	return nil, nil
}
func (f *fakeHBStore) DeleteHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeAssignSt struct {
	open   map[string][]*domain.Assignment
	closed []int64
}

func (f *fakeAssignSt) GetOrCreateAssignment(ctx context.Context, taskID int64, deviceID string) (*domain.Assignment, bool, error) {
	return nil, false, nil
}
func (f *fakeAssignSt) MarkAssignmentRunning(ctx context.Context, taskID int64, deviceID string) error {
	return nil
}
func (f *fakeAssignSt) CloseAssignment(ctx context.Context, taskID int64, deviceID string, status domain.AssignmentStatus, reason string, errMsg, result *string) error {
	f.closed = append(f.closed, taskID)
	return nil
}
func (f *fakeAssignSt) ListOpenByDevice(ctx context.Context, deviceID string) ([]*domain.Assignment, error) {
	return f.open[deviceID], nil
}
func (f *fakeAssignSt) ListTimedOutAssignments(ctx context.Context, age time.Duration) ([]*domain.Assignment, error) {
	return nil, nil
}
func (f *fakeAssignSt) ListByTask(ctx context.Context, taskID int64) ([]*domain.Assignment, error) {
	return nil, nil
}
func (f *fakeAssignSt) DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeTaskQueue struct {
	released map[string]int64
}

func (f *fakeTaskQueue) ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error) {
	if f.released == nil {
		return 0, nil
	}
	return f.released[deviceID], nil
}

type fakeEvents struct {
	published []string
}

func (f *fakeEvents) Publish(ctx context.Context, eventType, aggregateID string, payload map[string]interface{}) {
	f.published = append(f.published, eventType)
}

func TestCollector_IngestAppendsAndRefreshesLiveness(t *testing.T) {
	hb := &fakeHBStore{}
	reg := &fakeRegistry{}
	c := New(Config{}, reg, hb, &fakeAssignSt{}, &fakeTaskQueue{}, nil, noopLogger())

	err := c.Ingest(context.Background(), &domain.Heartbeat{DeviceID: "dev-1", RunningTasks: 2})
	require.NoError(t, err)
	assert.Len(t, hb.appended, 1)
	assert.Equal(t, []string{"dev-1"}, reg.updated)
}

func TestCollector_SweepReleasesAndMarksTimedOutDevicesOffline(t *testing.T) {
	reg := &fakeRegistry{timedOut: []*domain.Device{{ID: "dev-1"}}}
	assignSt := &fakeAssignSt{open: map[string][]*domain.Assignment{
		"dev-1": {{TaskID: 1, DeviceID: "dev-1", Status: domain.AssignmentRunning}},
	}}
	tasks := &fakeTaskQueue{released: map[string]int64{"dev-1": 3}}
	events := &fakeEvents{}
	c := New(Config{}, reg, &fakeHBStore{}, assignSt, tasks, events, noopLogger())

	require.NoError(t, c.Sweep(context.Background()))

	assert.Equal(t, domain.DeviceOffline, reg.statuses["dev-1"])
	assert.Contains(t, reg.resetCounters, "dev-1")
	assert.Contains(t, assignSt.closed, int64(1))
	assert.Contains(t, events.published, "device.offline")
}

func TestCollector_SweepNoOpWhenNoneTimedOut(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(Config{}, reg, &fakeHBStore{}, &fakeAssignSt{}, &fakeTaskQueue{}, nil, noopLogger())

	require.NoError(t, c.Sweep(context.Background()))
	assert.Empty(t, reg.statuses)
}
