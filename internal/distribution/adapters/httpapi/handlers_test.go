package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/distribution/internal/distribution/app/dispatcher"
	"github.com/taskfleet/distribution/internal/distribution/app/heartbeat"
	"github.com/taskfleet/distribution/internal/distribution/app/queue"
	"github.com/taskfleet/distribution/internal/distribution/app/rebalancer"
	"github.com/taskfleet/distribution/internal/distribution/app/registry"
	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
)

func noopLogger() logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
}

// fakeStore implements ports.Store (every sub-store) over in-memory maps,
// enough to drive the Control API's handlers end to end without a database.
type fakeStore struct {
	devices     map[string]*domain.Device
	tasks       map[int64]*domain.Task
	nextTaskID  int64
	assignments map[string]*domain.Assignment
	heartbeats  []*domain.Heartbeat
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:     map[string]*domain.Device{},
		tasks:       map[int64]*domain.Task{},
		assignments: map[string]*domain.Assignment{},
	}
}

func (f *fakeStore) RegisterDevice(ctx context.Context, d *domain.Device) error {
	f.devices[d.ID] = d
	return nil
}
func (f *fakeStore) UpdateHeartbeatMeta(ctx context.Context, deviceID string, runningTasks *int) error {
	return nil
}
func (f *fakeStore) IncCounter(ctx context.Context, deviceID string) error {
	f.devices[deviceID].CurrentTasks++
	return nil
}
func (f *fakeStore) DecCounter(ctx context.Context, deviceID string) error {
	if f.devices[deviceID].CurrentTasks > 0 {
		f.devices[deviceID].CurrentTasks--
	}
	return nil
}
func (f *fakeStore) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	f.devices[deviceID].Status = status
	return nil
}
func (f *fakeStore) ResetCounter(ctx context.Context, deviceID string) error {
	f.devices[deviceID].CurrentTasks = 0
	return nil
}
func (f *fakeStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}
func (f *fakeStore) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error) {
	var out []*domain.Device
	for _, d := range f.devices {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeStore) ListAvailable(ctx context.Context) ([]*domain.Device, error) {
	var out []*domain.Device
	for _, d := range f.devices {
		if d.HasCapacity() {
			out = append(out, d)
		}
	}
	return out, nil
}
func (f *fakeStore) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error) {
	return nil, nil
}
func (f *fakeStore) CountDevicesByStatus(ctx context.Context) (map[domain.DeviceStatus]int64, error) {
	counts := map[domain.DeviceStatus]int64{}
	for _, d := range f.devices {
		counts[d.Status]++
	}
	return counts, nil
}

func (f *fakeStore) AppendHeartbeat(ctx context.Context, h *domain.Heartbeat) error {
	f.heartbeats = append(f.heartbeats, h)
	return nil
}
func (f *fakeStore) LatestHeartbeat(ctx context.Context, deviceID string) (*domain.Heartbeat, error) {
	for i := len(f.heartbeats) - 1; i >= 0; i-- {
		if f.heartbeats[i].DeviceID == deviceID {
			return f.heartbeats[i], nil
		}
	}
	return nil, domain.ErrNotFound
}
func (f *fakeStore) DeleteHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) AddTasks(ctx context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		f.nextTaskID++
		t.ID = f.nextTaskID
		f.tasks[t.ID] = t
	}
	return nil
}
func (f *fakeStore) FetchAssignable(ctx context.Context, taskType string, limit int) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeStore) Assign(ctx context.Context, taskID int64, deviceID string) (bool, error) {
	t, ok := f.tasks[taskID]
	if !ok || t.Status != domain.TaskPending {
		return false, nil
	}
	t.Status = domain.TaskAssigned
	t.AssignedDeviceID = &deviceID
	return true, nil
}
func (f *fakeStore) MarkRunning(ctx context.Context, taskID int64) error {
	f.tasks[taskID].Status = domain.TaskRunning
	return nil
}
func (f *fakeStore) MarkDone(ctx context.Context, taskID int64, result *string) error {
	f.tasks[taskID].Status = domain.TaskDone
	f.tasks[taskID].Result = result
	return nil
}
func (f *fakeStore) MarkDoneBatch(ctx context.Context, taskIDs []int64) error { return nil }
func (f *fakeStore) Fail(ctx context.Context, taskID int64, retryDelay time.Duration, errMsg *string) error {
	t := f.tasks[taskID]
	t.Retry++
	t.Status = domain.TaskPending
	t.ErrorMessage = errMsg
	return nil
}
func (f *fakeStore) Requeue(ctx context.Context, taskID int64) error {
	f.tasks[taskID].Status = domain.TaskPending
	return nil
}
func (f *fakeStore) ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error) {
	return 0, nil
}
func (f *fakeStore) ReleaseTask(ctx context.Context, taskID int64, deviceID string) error {
	t := f.tasks[taskID]
	t.Status = domain.TaskPending
	t.AssignedDeviceID = nil
	return nil
}
func (f *fakeStore) ListByDevice(ctx context.Context, deviceID string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.tasks {
		if t.AssignedDeviceID != nil && *t.AssignedDeviceID == deviceID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeStore) ListTasks(ctx context.Context, filter ports.TaskFilter) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.DeviceID != "" && (t.AssignedDeviceID == nil || *t.AssignedDeviceID != filter.DeviceID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeStore) ZeroPending(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) ResetFailed(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) ShouldCreateNewTasks(ctx context.Context, intervalHours int) (bool, error) {
	return false, nil
}
func (f *fakeStore) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	counts := map[domain.TaskStatus]int64{}
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func assignmentKey(taskID int64, deviceID string) string {
	return fmt.Sprintf("%s:%d", deviceID, taskID)
}

func (f *fakeStore) GetOrCreateAssignment(ctx context.Context, taskID int64, deviceID string) (*domain.Assignment, bool, error) {
	key := assignmentKey(taskID, deviceID)
	if a, ok := f.assignments[key]; ok {
		return a, false, nil
	}
	a := &domain.Assignment{ID: key, TaskID: taskID, DeviceID: deviceID, Status: domain.AssignmentAssigned, AssignedAt: time.Now()}
	f.assignments[key] = a
	return a, true, nil
}
func (f *fakeStore) MarkAssignmentRunning(ctx context.Context, taskID int64, deviceID string) error {
	f.assignments[assignmentKey(taskID, deviceID)].Status = domain.AssignmentRunning
	return nil
}
func (f *fakeStore) CloseAssignment(ctx context.Context, taskID int64, deviceID string, status domain.AssignmentStatus, reason string, errMsg, result *string) error {
	a := f.assignments[assignmentKey(taskID, deviceID)]
	a.Status = status
	a.CloseReason = &reason
	return nil
}
func (f *fakeStore) ListOpenByDevice(ctx context.Context, deviceID string) ([]*domain.Assignment, error) {
	return nil, nil
}
func (f *fakeStore) ListTimedOutAssignments(ctx context.Context, age time.Duration) ([]*domain.Assignment, error) {
	return nil, nil
}
func (f *fakeStore) ListByTask(ctx context.Context, taskID int64) ([]*domain.Assignment, error) {
	var out []*domain.Assignment
	for _, a := range f.assignments {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// testServer wires a full handler stack over a fresh fakeStore, mirroring
// cmd/distribution's production wiring but with an in-memory store.
func testServer(t *testing.T, apiKey string) (*gin.Engine, *fakeStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newFakeStore()
	log := noopLogger()
	reg := registry.New(store, nil, nil, log)
	q := queue.New(store, nil, log)
	dispatch := dispatcher.New(dispatcher.Config{}, reg, q, store, store, nil, log)
	collector := heartbeat.New(heartbeat.Config{}, reg, store, store, q, nil, log)
	rebalance := rebalancer.New(reg, q, store, dispatch, nil, log)

	h := NewHandlers(reg, q, store, store, collector, dispatch, rebalance, log)
	router := setupRouter(h, apiKey, nil, log)
	return router, store
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_RegisterDevice(t *testing.T) {
	router, store := testServer(t, "")
	rec := doJSON(router, http.MethodPost, "/api/distribution/devices/register", registerDeviceRequest{
		DeviceID: "worker-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, store.devices, "worker-1")
}

func TestHandlers_BearerAuthRejectsMissingToken(t *testing.T) {
	router, _ := testServer(t, "secret")
	rec := doJSON(router, http.MethodPost, "/api/distribution/devices/register", registerDeviceRequest{DeviceID: "worker-1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlers_BearerAuthAcceptsValidToken(t *testing.T) {
	router, _ := testServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/api/distribution/devices", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlers_CreateAndPullTask(t *testing.T) {
	router, store := testServer(t, "")

	rec := doJSON(router, http.MethodPost, "/api/distribution/devices/register", registerDeviceRequest{DeviceID: "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/distribution/tasks", createTaskRequest{TaskType: "fetch_report"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(router, http.MethodPost, "/api/distribution/tasks/assign", assignTaskRequest{TaskID: 1, DeviceID: "worker-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/distribution/tasks/worker-1/pull?limit=5", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tasks []*domain.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, int64(1), body.Tasks[0].ID)
	assert.Equal(t, 1, store.devices["worker-1"].CurrentTasks, "assignment should have incremented the device's counter")
}

func TestHandlers_ReportTaskStatusCompletedDecrementsCounter(t *testing.T) {
	router, store := testServer(t, "")
	doJSON(router, http.MethodPost, "/api/distribution/devices/register", registerDeviceRequest{DeviceID: "worker-1"})
	doJSON(router, http.MethodPost, "/api/distribution/tasks", createTaskRequest{TaskType: "fetch_report"})
	doJSON(router, http.MethodPost, "/api/distribution/tasks/assign", assignTaskRequest{TaskID: 1, DeviceID: "worker-1"})

	result := "done"
	rec := doJSON(router, http.MethodPut, "/api/distribution/tasks/status", taskStatusRequest{
		TaskID: 1, DeviceID: "worker-1", Status: string(domain.AssignmentDone), ResultData: &result,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, domain.TaskDone, store.tasks[1].Status)
	assert.Equal(t, 0, store.devices["worker-1"].CurrentTasks)
}

func TestHandlers_GetDeviceNotFound(t *testing.T) {
	router, _ := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/distribution/devices/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_StatsOverview(t *testing.T) {
	router, _ := testServer(t, "")
	doJSON(router, http.MethodPost, "/api/distribution/devices/register", registerDeviceRequest{DeviceID: "worker-1"})

	req := httptest.NewRequest(http.MethodGet, "/api/distribution/stats/overview", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devices_by_status")
}
