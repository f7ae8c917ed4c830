// Package queue implements the Task Queue (C4): a durable priority queue of
// work items with per-item state machine and retry metadata. Grounded on
// internal/services/execution/queue/priority_queue.go's operation surface,
// but ordering and backoff follow spec §4.3 exactly rather than that file's
// FIFO-only Less() — priority is not decorative here.
package queue

import (
	"context"
	"fmt"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
)

// Queue is the Task Queue (C4).
type Queue struct {
	store  ports.TaskStore
	events ports.EventPublisher
	log    logger.Logger
}

func New(store ports.TaskStore, events ports.EventPublisher, log logger.Logger) *Queue {
	return &Queue{store: store, events: events, log: log}
}

// Add bulk-enqueues tasks with status=pending.
func (q *Queue) Add(ctx context.Context, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.TaskType == "" {
			return fmt.Errorf("%w: task_type required", domain.ErrBadInput)
		}
	}
	if err := q.store.AddTasks(ctx, tasks); err != nil {
		return fmt.Errorf("add tasks: %w", err)
	}
	if q.events != nil {
		for _, t := range tasks {
			q.events.Publish(ctx, "task.queued", fmt.Sprintf("%d", t.ID), map[string]interface{}{
				"task_type": t.TaskType,
				"priority":  t.Priority,
			})
		}
	}
	return nil
}

// FetchAssignable returns candidates ordered priority DESC, next_run_at
// ASC, id ASC.
func (q *Queue) FetchAssignable(ctx context.Context, taskType string, limit int) ([]*domain.Task, error) {
	return q.store.FetchAssignable(ctx, taskType, limit)
}

// Assign is the atomic compare-and-set placement primitive.
func (q *Queue) Assign(ctx context.Context, taskID int64, deviceID string) (bool, error) {
	ok, err := q.store.Assign(ctx, taskID, deviceID)
	if err != nil {
		return false, fmt.Errorf("assign task: %w", err)
	}
	return ok, nil
}

func (q *Queue) MarkRunning(ctx context.Context, taskID int64) error {
	return q.store.MarkRunning(ctx, taskID)
}

func (q *Queue) MarkDone(ctx context.Context, taskID int64, result *string) error {
	if err := q.store.MarkDone(ctx, taskID, result); err != nil {
		return err
	}
	if q.events != nil {
		q.events.Publish(ctx, "task.completed", fmt.Sprintf("%d", taskID), nil)
	}
	return nil
}

func (q *Queue) MarkDoneBatch(ctx context.Context, taskIDs []int64) error {
	return q.store.MarkDoneBatch(ctx, taskIDs)
}

// Fail records a failed attempt. attempt is the retry count the task will
// have *after* this failure (i.e. task.Retry+1), used to compute the
// exact backoff delay of spec §4.3.
func (q *Queue) Fail(ctx context.Context, taskID int64, attempt int, errMsg *string) error {
	delay := domain.Backoff(attempt)
	if err := q.store.Fail(ctx, taskID, delay, errMsg); err != nil {
		return err
	}
	if q.events != nil {
		q.events.Publish(ctx, "task.failed", fmt.Sprintf("%d", taskID), map[string]interface{}{
			"attempt":       attempt,
			"next_delay_ms": delay.Milliseconds(),
		})
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context, taskID int64) error {
	return q.store.Requeue(ctx, taskID)
}

func (q *Queue) ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error) {
	return q.store.ReleaseDeviceTasks(ctx, deviceID)
}

func (q *Queue) ReleaseTask(ctx context.Context, taskID int64, deviceID string) error {
	return q.store.ReleaseTask(ctx, taskID, deviceID)
}

func (q *Queue) ListByDevice(ctx context.Context, deviceID string) ([]*domain.Task, error) {
	return q.store.ListByDevice(ctx, deviceID)
}

func (q *Queue) List(ctx context.Context, filter ports.TaskFilter) ([]*domain.Task, error) {
	return q.store.ListTasks(ctx, filter)
}

func (q *Queue) Get(ctx context.Context, taskID int64) (*domain.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// GetTask is Get under the name the reaper and rebalancer TaskQueue
// interfaces use.
func (q *Queue) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	return q.store.GetTask(ctx, taskID)
}

// ZeroPending moves pending→zero at the configured daily reset hour. Per
// spec §9's resolved Open Question, failed tasks are never touched here.
func (q *Queue) ZeroPending(ctx context.Context) (int64, error) {
	n, err := q.store.ZeroPending(ctx)
	if err == nil && q.events != nil {
		q.events.Publish(ctx, "task.zeroed", "", map[string]interface{}{"count": n})
	}
	return n, err
}

// ResetFailed is the admin-only failed→pending path; never invoked by the
// automatic daily reset.
func (q *Queue) ResetFailed(ctx context.Context) (int64, error) {
	return q.store.ResetFailed(ctx)
}

func (q *Queue) ShouldCreateNewTasks(ctx context.Context, intervalHours int) (bool, error) {
	return q.store.ShouldCreateNewTasks(ctx, intervalHours)
}

// CountByStatus returns the number of tasks per status.
func (q *Queue) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	return q.store.CountTasksByStatus(ctx)
}
