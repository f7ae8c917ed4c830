package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
)

func noopLogger() logger.Logger {
	return logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
}

func TestClient_RegisterSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-key", noopLogger())
	err := c.Register(context.Background(), &domain.Device{ID: "dev-1"})

	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestClient_RetriesOnRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "", noopLogger())
	err := c.Heartbeat(context.Background(), "dev-1", &domain.Heartbeat{DeviceID: "dev-1"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_DoesNotRetryOnBadRequest(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "", noopLogger())
	err := c.ReportStatus(context.Background(), 1, "dev-1", domain.AssignmentDone, nil, nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a 400 is not in the retryable status set")
}

func TestClient_PullDecodesTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/distribution/tasks/dev-1/pull?limit=3", r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"tasks": []domain.Task{{ID: 1, TaskType: "fetch_report"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", noopLogger())
	tasks, err := c.Pull(context.Background(), "dev-1", 3)

	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(1), tasks[0].ID)
}
