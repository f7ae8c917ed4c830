// Package client is the worker-side HTTP client for the Control API:
// register, heartbeat, pull, and status-report calls, wrapped in a circuit
// breaker and bounded retry. Grounded on pkg/resilience's CircuitBreaker
// and Retry helpers, used the way
// internal/execution/app/retry/manager.go composes them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/pkg/logger"
	"github.com/taskfleet/distribution/pkg/resilience"
)

// Client talks to the controller's Control API on behalf of a worker.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	log     logger.Logger
}

func New(baseURL, apiKey string, log logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("control-api")),
		retry: resilience.RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			ShouldRetry: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return resilience.IsRetryableHTTPStatus(se.status)
				}
				return true
			},
		},
		log: log,
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("control API returned %d: %s", e.status, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	return resilience.Retry(ctx, c.retry, func() error {
		_, err := c.breaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, c.doOnce(ctx, method, path, body, out)
		})
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register upserts this device with the controller.
func (c *Client) Register(ctx context.Context, d *domain.Device) error {
	return c.do(ctx, http.MethodPost, "/api/distribution/devices/register", d, nil)
}

// Heartbeat sends one liveness sample.
func (c *Client) Heartbeat(ctx context.Context, deviceID string, h *domain.Heartbeat) error {
	path := fmt.Sprintf("/api/distribution/devices/%s/heartbeat", deviceID)
	return c.do(ctx, http.MethodPost, path, h, nil)
}

// Pull requests up to limit assigned tasks targeted at this device.
func (c *Client) Pull(ctx context.Context, deviceID string, limit int) ([]*domain.Task, error) {
	path := fmt.Sprintf("/api/distribution/tasks/%s/pull?limit=%d", deviceID, limit)
	var out struct {
		Tasks []*domain.Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ReportStatus sends a worker→controller status update for one task.
func (c *Client) ReportStatus(ctx context.Context, taskID int64, deviceID string, status domain.AssignmentStatus, errMsg, result *string) error {
	body := map[string]interface{}{
		"task_id":   taskID,
		"device_id": deviceID,
		"status":    string(status),
	}
	if errMsg != nil {
		body["error_message"] = *errMsg
	}
	if result != nil {
		body["result_data"] = *result
	}
	return c.do(ctx, http.MethodPut, "/api/distribution/tasks/status", body, nil)
}
