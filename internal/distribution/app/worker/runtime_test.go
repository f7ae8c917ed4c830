package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/distribution/internal/distribution/client"
	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

func noopLogger() logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
}

// controllerDouble serves just enough of the Control API for the runtime's
// register/heartbeat/pull/status-report loop to run end to end.
type controllerDouble struct {
	mu         sync.Mutex
	pulled     bool
	statuses   []string
	heartbeats int32
}

func (c *controllerDouble) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/distribution/devices/register":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/distribution/devices/dev-1/heartbeat":
			atomic.AddInt32(&c.heartbeats, 1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/api/distribution/tasks/dev-1/pull":
			c.mu.Lock()
			already := c.pulled
			c.pulled = true
			c.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			if already {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []domain.Task{}})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"tasks": []domain.Task{{ID: 1, TaskType: "fetch_report", Payload: domain.Payload{"report_id": "r-1"}}},
			})
		case r.Method == http.MethodPut && r.URL.Path == "/api/distribution/tasks/status":
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			c.mu.Lock()
			c.statuses = append(c.statuses, body["status"].(string))
			c.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (c *controllerDouble) reportedStatuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.statuses))
	copy(out, c.statuses)
	return out
}

func TestRuntime_PullsExecutesAndReportsDone(t *testing.T) {
	double := &controllerDouble{}
	srv := httptest.NewServer(double.handler())
	defer srv.Close()

	c := client.New(srv.URL, "", noopLogger())
	executed := make(chan struct{}, 1)
	executor := func(ctx context.Context, task *domain.Task) (string, error) {
		executed <- struct{}{}
		return "ok", nil
	}

	rt := New(Config{
		Device:            &domain.Device{ID: "dev-1"},
		ConcurrentTasks:   2,
		HeartbeatInterval: 50 * time.Millisecond,
		PullIdleInterval:  10 * time.Millisecond,
	}, c, executor, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatal("executor was never invoked")
	}

	assert.Eventually(t, func() bool {
		statuses := double.reportedStatuses()
		for _, s := range statuses {
			if s == string(domain.AssignmentDone) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "runtime should report the task as completed")

	cancel()
	rt.Stop()
}

func TestRuntime_ExecutorPanicReportsFailed(t *testing.T) {
	double := &controllerDouble{}
	srv := httptest.NewServer(double.handler())
	defer srv.Close()

	c := client.New(srv.URL, "", noopLogger())
	executor := func(ctx context.Context, task *domain.Task) (string, error) {
		panic("executor blew up")
	}

	rt := New(Config{
		Device:            &domain.Device{ID: "dev-1"},
		ConcurrentTasks:   1,
		HeartbeatInterval: time.Hour,
		PullIdleInterval:  10 * time.Millisecond,
	}, c, executor, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	assert.Eventually(t, func() bool {
		statuses := double.reportedStatuses()
		for _, s := range statuses {
			if s == string(domain.AssignmentFailed) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "a panicking executor must surface as a failed report, not a crash")

	cancel()
	rt.Stop()
}
