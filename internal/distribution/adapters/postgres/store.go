// Package postgres implements the distribution Store (C1) on top of the
// shared gorm database package, following the transaction and row-locking
// conventions already used by internal/services/execution/repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskfleet/distribution/internal/distribution/domain"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/database"
)

// Store implements ports.Store against Postgres via gorm.
type Store struct {
	db *database.DB
}

// New builds a Store. Callers are expected to have already run Migrate.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the four logical tables and their indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&domain.Device{}, &domain.Task{}, &domain.Assignment{}, &domain.Heartbeat{},
	); err != nil {
		return fmt.Errorf("migrate distribution schema: %w", err)
	}
	return nil
}

var _ ports.Store = (*Store)(nil)

// --- Device Registry (C2) ---

func (s *Store) RegisterDevice(ctx context.Context, d *domain.Device) error {
	now := time.Now().UTC()
	d.Status = domain.DeviceOnline
	d.LastHeartbeat = &now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_name", "device_type", "ip_address", "port", "capabilities",
			"max_concurrent_tasks", "status", "last_heartbeat", "updated_at",
		}),
	}).Create(d).Error
}

func (s *Store) UpdateHeartbeatMeta(ctx context.Context, deviceID string, runningTasks *int) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{"last_heartbeat": now}
	if runningTasks != nil {
		updates["current_tasks"] = *runningTasks
	}
	tx := s.db.WithContext(ctx).Model(&domain.Device{}).
		Where("device_id = ? AND status = ?", deviceID, domain.DeviceOffline).
		Updates(map[string]interface{}{"status": domain.DeviceOnline})
	if tx.Error != nil {
		return tx.Error
	}
	return s.db.WithContext(ctx).Model(&domain.Device{}).
		Where("device_id = ?", deviceID).Updates(updates).Error
}

// IncCounter atomically increments current_tasks, clamped at
// max_concurrent_tasks, and flips status to busy at the boundary. Per spec
// §4.1, the counter MUST NOT exceed max_concurrent_tasks but this is a
// clamp, not an error: a device already at capacity (e.g. a racing
// ForceDispatch against a stale capacity read) leaves current_tasks
// untouched and still returns nil, so callers can't mistake "already at
// the ceiling" for a failed placement.
func (s *Store) IncCounter(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Exec(`UPDATE devices SET current_tasks = current_tasks + 1, updated_at = ?
			WHERE device_id = ? AND current_tasks < max_concurrent_tasks`, time.Now().UTC(), deviceID)
		if tx.Error != nil {
			return tx.Error
		}
		if tx.RowsAffected == 0 {
			return nil
		}
		return tx.Exec(`UPDATE devices SET status = 'busy'
			WHERE device_id = ? AND current_tasks >= max_concurrent_tasks`, deviceID).Error
	})
}

// DecCounter atomically decrements current_tasks, clamped at 0, and flips
// status back to online at the boundary (never overriding offline).
func (s *Store) DecCounter(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`UPDATE devices SET current_tasks = GREATEST(current_tasks - 1, 0), updated_at = ?
			WHERE device_id = ?`, time.Now().UTC(), deviceID).Error; err != nil {
			return err
		}
		return tx.Exec(`UPDATE devices SET status = 'online'
			WHERE device_id = ? AND status = 'busy' AND current_tasks < max_concurrent_tasks`, deviceID).Error
	})
}

func (s *Store) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	return s.db.WithContext(ctx).Model(&domain.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{"status": status}).Error
}

func (s *Store) ResetCounter(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Model(&domain.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{"current_tasks": 0}).Error
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	var d domain.Device
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	return &d, err
}

func (s *Store) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error) {
	q := s.db.WithContext(ctx).Model(&domain.Device{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var devices []*domain.Device
	err := q.Order("device_id ASC").Find(&devices).Error
	return devices, err
}

// ListAvailable returns devices eligible for new work, per spec §4.1:
// status∈{online,busy}, current_tasks<max_concurrent_tasks, heartbeat
// within 120s, ordered by current_tasks ASC, last_heartbeat DESC.
func (s *Store) ListAvailable(ctx context.Context) ([]*domain.Device, error) {
	cutoff := time.Now().UTC().Add(-120 * time.Second)
	var devices []*domain.Device
	err := s.db.WithContext(ctx).
		Where("status IN ?", []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceBusy}).
		Where("current_tasks < max_concurrent_tasks").
		Where("last_heartbeat >= ?", cutoff).
		Order("current_tasks ASC, last_heartbeat DESC").
		Find(&devices).Error
	return devices, err
}

// ListTimedOut returns devices whose last heartbeat predates threshold (or
// was never recorded) and whose status is not yet offline (used by the
// sweeper, §4.2).
func (s *Store) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var devices []*domain.Device
	err := s.db.WithContext(ctx).
		Where("status != ?", domain.DeviceOffline).
		Where("last_heartbeat < ? OR last_heartbeat IS NULL", cutoff).
		Find(&devices).Error
	return devices, err
}

// CountDevicesByStatus returns the number of known devices per status, for
// the stats/overview endpoint.
func (s *Store) CountDevicesByStatus(ctx context.Context) (map[domain.DeviceStatus]int64, error) {
	var rows []struct {
		Status domain.DeviceStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&domain.Device{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.DeviceStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// --- Heartbeat time series ---

func (s *Store) AppendHeartbeat(ctx context.Context, h *domain.Heartbeat) error {
	if h.T.IsZero() {
		h.T = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(h).Error
}

func (s *Store) LatestHeartbeat(ctx context.Context, deviceID string) (*domain.Heartbeat, error) {
	var h domain.Heartbeat
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("t DESC").
		First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &h, err
}

func (s *Store) DeleteHeartbeatsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Where("t < ?", cutoff).Delete(&domain.Heartbeat{})
	return tx.RowsAffected, tx.Error
}

// --- Task Queue (C4) ---

func (s *Store) AddTasks(ctx context.Context, tasks []*domain.Task) error {
	now := time.Now().UTC()
	for _, t := range tasks {
		t.Status = domain.TaskPending
		if t.NextRunAt.IsZero() {
			t.NextRunAt = now
		}
		if t.MaxRetryCount <= 0 {
			t.MaxRetryCount = 3
		}
	}
	return s.db.WithContext(ctx).Create(&tasks).Error
}

// FetchAssignable returns pending, due, retry-eligible tasks ordered by
// priority DESC, next_run_at ASC, id ASC, per spec §4.3.
func (s *Store) FetchAssignable(ctx context.Context, taskType string, limit int) ([]*domain.Task, error) {
	q := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("status = ?", domain.TaskPending).
		Where("next_run_at <= ?", time.Now().UTC()).
		Where("retry < max_retry_count")
	if taskType != "" {
		q = q.Where("task_type = ?", taskType)
	}
	var tasks []*domain.Task
	err := q.Order("priority DESC, next_run_at ASC, id ASC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

// Assign is the sole linearization point for placement: an atomic
// compare-and-set pending→assigned. Returns true iff exactly one row
// changed.
func (s *Store) Assign(ctx context.Context, taskID int64, deviceID string) (bool, error) {
	now := time.Now().UTC()
	tx := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", taskID, domain.TaskPending).
		Updates(map[string]interface{}{
			"status":             domain.TaskAssigned,
			"assigned_device_id": deviceID,
			"assigned_at":        now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (s *Store) MarkRunning(ctx context.Context, taskID int64) error {
	tx := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", taskID, domain.TaskAssigned).
		Updates(map[string]interface{}{"status": domain.TaskRunning})
	return tx.Error
}

func (s *Store) MarkDone(ctx context.Context, taskID int64, result *string) error {
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":             domain.TaskDone,
			"result":             result,
			"assigned_device_id": nil,
			"assigned_at":        nil,
		}).Error
}

func (s *Store) MarkDoneBatch(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id IN ?", taskIDs).
		Updates(map[string]interface{}{
			"status":             domain.TaskDone,
			"assigned_device_id": nil,
			"assigned_at":        nil,
		}).Error
}

// Fail records a failed attempt: sets status failed, increments retry,
// applies the backoff delay to next_run_at, and clears the assignment.
// FetchAssignable and Assign take pending tasks only, so a failed task is
// not picked up again until ResetFailed moves it back to pending.
func (s *Store) Fail(ctx context.Context, taskID int64, retryDelay time.Duration, errMsg *string) error {
	nextRun := time.Now().UTC().Add(retryDelay)
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":             domain.TaskFailed,
			"retry":              gorm.Expr("retry + 1"),
			"next_run_at":        nextRun,
			"error_message":      errMsg,
			"assigned_device_id": nil,
			"assigned_at":        nil,
		}).Error
}

// Requeue puts a timed-out task back to pending immediately (no backoff),
// bumping its retry counter and clearing its assignment, per spec §4.5
// step 3.
func (s *Store) Requeue(ctx context.Context, taskID int64) error {
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":             domain.TaskPending,
			"retry":              gorm.Expr("retry + 1"),
			"assigned_device_id": nil,
			"assigned_at":        nil,
		}).Error
}

// ReleaseDeviceTasks bulk-releases all open tasks of a device back to
// pending, per spec §4.3/§4.2.
func (s *Store) ReleaseDeviceTasks(ctx context.Context, deviceID string) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("assigned_device_id = ? AND status IN ?", deviceID,
			[]domain.TaskStatus{domain.TaskAssigned, domain.TaskRunning}).
		Updates(map[string]interface{}{
			"status":             domain.TaskPending,
			"assigned_device_id": nil,
			"assigned_at":        nil,
		})
	return tx.RowsAffected, tx.Error
}

// ReleaseTask rolls back a single task's placement, used when the Place
// protocol's assignment-row step fails after Assign already succeeded
// (spec §4.4 step 3: "ROLL BACK step 1... filtered to just this task").
func (s *Store) ReleaseTask(ctx context.Context, taskID int64, deviceID string) error {
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND assigned_device_id = ?", taskID, deviceID).
		Updates(map[string]interface{}{
			"status":             domain.TaskPending,
			"assigned_device_id": nil,
			"assigned_at":        nil,
		}).Error
}

func (s *Store) ListByDevice(ctx context.Context, deviceID string) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := s.db.WithContext(ctx).
		Where("assigned_device_id = ? AND status IN ?", deviceID,
			[]domain.TaskStatus{domain.TaskAssigned, domain.TaskRunning}).
		Order("priority DESC, next_run_at ASC, id ASC").
		Find(&tasks).Error
	return tasks, err
}

func (s *Store) ListTasks(ctx context.Context, filter ports.TaskFilter) ([]*domain.Task, error) {
	q := s.db.WithContext(ctx).Model(&domain.Task{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.TaskType != "" {
		q = q.Where("task_type = ?", filter.TaskType)
	}
	if filter.DeviceID != "" {
		q = q.Where("assigned_device_id = ?", filter.DeviceID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var tasks []*domain.Task
	err := q.Order("id DESC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (s *Store) GetTask(ctx context.Context, taskID int64) (*domain.Task, error) {
	var t domain.Task
	err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	return &t, err
}

// ZeroPending bulk-moves pending→zero, per spec §4.3's daily reset.
func (s *Store) ZeroPending(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("status = ?", domain.TaskPending).
		Updates(map[string]interface{}{"status": domain.TaskZero})
	return tx.RowsAffected, tx.Error
}

// ResetFailed is the admin-only path mentioned in spec §9: failed→pending,
// not invoked automatically by ZeroPending.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("status = ?", domain.TaskFailed).
		Updates(map[string]interface{}{
			"status":      domain.TaskPending,
			"retry":       0,
			"next_run_at": time.Now().UTC(),
		})
	return tx.RowsAffected, tx.Error
}

// ShouldCreateNewTasks reports whether a producer should re-seed a daily
// batch: no row currently assignable and the freshest update predates
// intervalHours.
func (s *Store) ShouldCreateNewTasks(ctx context.Context, intervalHours int) (bool, error) {
	var assignableCount int64
	if err := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("status = ? AND next_run_at <= ? AND retry < max_retry_count",
			domain.TaskPending, time.Now().UTC()).
		Count(&assignableCount).Error; err != nil {
		return false, err
	}
	if assignableCount > 0 {
		return false, nil
	}
	var latest domain.Task
	err := s.db.WithContext(ctx).Order("updated_at DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(intervalHours) * time.Hour)
	return latest.UpdatedAt.Before(cutoff), nil
}

// CountTasksByStatus returns the number of tasks per status, for the
// stats/overview endpoint.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	var rows []struct {
		Status domain.TaskStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&domain.Task{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// --- Assignment Ledger (C6) ---

// GetOrCreateAssignment implements the Place protocol's idempotent-row
// step: reuse an existing (task_id, device_id) row, or insert a new one.
// Returns (assignment, created, error).
func (s *Store) GetOrCreateAssignment(ctx context.Context, taskID int64, deviceID string) (*domain.Assignment, bool, error) {
	var existing domain.Assignment
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND device_id = ?", taskID, deviceID).
		First(&existing).Error
	if err == nil {
		now := time.Now().UTC()
		existing.Status = domain.AssignmentAssigned
		existing.AssignedAt = now
		existing.CloseReason = nil
		existing.RetryCount++
		if uerr := s.db.WithContext(ctx).Model(&domain.Assignment{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"status":       domain.AssignmentAssigned,
				"assigned_at":  now,
				"close_reason": nil,
				"retry_count":  gorm.Expr("retry_count + 1"),
			}).Error; uerr != nil {
			return nil, false, uerr
		}
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	a := &domain.Assignment{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		DeviceID:   deviceID,
		Status:     domain.AssignmentAssigned,
		AssignedAt: time.Now().UTC(),
	}
	if cerr := s.db.WithContext(ctx).Create(a).Error; cerr != nil {
		return nil, false, cerr
	}
	return a, true, nil
}

func (s *Store) MarkAssignmentRunning(ctx context.Context, taskID int64, deviceID string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&domain.Assignment{}).
		Where("task_id = ? AND device_id = ?", taskID, deviceID).
		Updates(map[string]interface{}{"status": domain.AssignmentRunning, "started_at": now}).Error
}

func (s *Store) CloseAssignment(ctx context.Context, taskID int64, deviceID string, status domain.AssignmentStatus, reason string, errMsg, result *string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": now,
	}
	if reason != "" {
		updates["close_reason"] = reason
	}
	if errMsg != nil {
		updates["error_message"] = errMsg
	}
	if result != nil {
		updates["result_data"] = result
	}
	return s.db.WithContext(ctx).Model(&domain.Assignment{}).
		Where("task_id = ? AND device_id = ?", taskID, deviceID).
		Updates(updates).Error
}

func (s *Store) ListOpenByDevice(ctx context.Context, deviceID string) ([]*domain.Assignment, error) {
	var assignments []*domain.Assignment
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND status IN ?", deviceID, domain.OpenAssignmentStatuses).
		Find(&assignments).Error
	return assignments, err
}

// ListTimedOutAssignments returns open assignments that exceeded their
// per-task execution_timeout (falling back to age when a task has none
// set), used by the Timeout Reaper (§4.5). Joining against tasks so the
// deadline check happens per row in SQL, rather than filtering on a single
// fixed cutoff first, so a task with a shorter-than-default timeout is
// caught at its own deadline instead of only at the default 30 minutes.
func (s *Store) ListTimedOutAssignments(ctx context.Context, age time.Duration) ([]*domain.Assignment, error) {
	var assignments []*domain.Assignment
	err := s.db.WithContext(ctx).
		Select("assignments.*").
		Joins("JOIN tasks ON tasks.id = assignments.task_id").
		Where("assignments.status IN ?", domain.OpenAssignmentStatuses).
		Where(`assignments.assigned_at < ? - CASE
			WHEN tasks.execution_timeout > 0 THEN make_interval(secs => tasks.execution_timeout)
			ELSE make_interval(secs => ?)
			END`, time.Now().UTC(), age.Seconds()).
		Find(&assignments).Error
	return assignments, err
}

func (s *Store) ListByTask(ctx context.Context, taskID int64) ([]*domain.Assignment, error) {
	var assignments []*domain.Assignment
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("assigned_at ASC").
		Find(&assignments).Error
	return assignments, err
}

func (s *Store) DeleteClosedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).
		Where("status NOT IN ? AND completed_at < ?", domain.OpenAssignmentStatuses, cutoff).
		Delete(&domain.Assignment{})
	return tx.RowsAffected, tx.Error
}
