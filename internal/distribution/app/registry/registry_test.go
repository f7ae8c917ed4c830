package registry

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

type fakeStore struct {
	devices  map[string]*domain.Device
	statuses map[string]domain.DeviceStatus
	counts   map[domain.DeviceStatus]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: map[string]*domain.Device{}, statuses: map[string]domain.DeviceStatus{}}
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
	f.statuses[deviceID] = status
	return nil
}
func (f *fakeStore) ResetCounter(ctx context.Context, deviceID string) error {
	f.devices[deviceID].CurrentTasks = 0
	return nil
}
func (f *fakeStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	return f.devices[deviceID], nil
}
func (f *fakeStore) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]*domain.Device, error) {
	return nil, nil
}
func (f *fakeStore) ListAvailable(ctx context.Context) ([]*domain.Device, error) {
	var out []*domain.Device
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}
func (f *fakeStore) ListTimedOut(ctx context.Context, threshold time.Duration) ([]*domain.Device, error) {
	return nil, nil
}
func (f *fakeStore) CountDevicesByStatus(ctx context.Context) (map[domain.DeviceStatus]int64, error) {
	return f.counts, nil
}

type fakeCache struct {
	invalidated int
	cached      []*domain.Device
	hit         bool
}

func (f *fakeCache) GetAvailable(ctx context.Context) ([]*domain.Device, bool) {
	return f.cached, f.hit
}
func (f *fakeCache) SetAvailable(ctx context.Context, devices []*domain.Device, ttl time.Duration) {
	f.cached = devices
}
func (f *fakeCache) Invalidate(ctx context.Context) {
	f.invalidated++
}

type fakeEvents struct {
	published []string
}

func (f *fakeEvents) Publish(ctx context.Context, eventType, aggregateID string, payload map[string]interface{}) {
	f.published = append(f.published, eventType)
}

func TestRegistry_RegisterRejectsInvalidDeviceID(t *testing.T) {
	r := New(newFakeStore(), nil, nil, noopLogger())
	err := r.Register(context.Background(), &domain.Device{ID: "1-bad-start"})
	require.ErrorIs(t, err, domain.ErrBadInput)
}

func TestRegistry_RegisterDefaultsMaxConcurrentTasks(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	r := New(store, nil, events, noopLogger())

	d := &domain.Device{ID: "worker-1"}
	require.NoError(t, r.Register(context.Background(), d))

	assert.Equal(t, 1, d.MaxConcurrentTasks)
	assert.Contains(t, events.published, "device.registered")
}

func TestRegistry_RegisterInvalidatesCache(t *testing.T) {
	cache := &fakeCache{}
	r := New(newFakeStore(), cache, nil, noopLogger())
	require.NoError(t, r.Register(context.Background(), &domain.Device{ID: "worker-1"}))
	assert.Equal(t, 1, cache.invalidated)
}

func TestRegistry_ListAvailableServesFromCacheWhenPresent(t *testing.T) {
	store := newFakeStore()
	store.devices["worker-1"] = &domain.Device{ID: "worker-1"}
	cached := []*domain.Device{{ID: "cached-only"}}
	cache := &fakeCache{cached: cached, hit: true}
	r := New(store, cache, nil, noopLogger())

	devices, err := r.ListAvailable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cached, devices, "a cache hit must short-circuit the store lookup")
}

func TestRegistry_ListAvailableFallsBackToStoreOnMiss(t *testing.T) {
	store := newFakeStore()
	store.devices["worker-1"] = &domain.Device{ID: "worker-1"}
	cache := &fakeCache{hit: false}
	r := New(store, cache, nil, noopLogger())

	devices, err := r.ListAvailable(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.NotNil(t, cache.cached, "a miss should populate the cache for next time")
}

func TestRegistry_SetStatusRejectsUnknownStatus(t *testing.T) {
	r := New(newFakeStore(), nil, nil, noopLogger())
	err := r.SetStatus(context.Background(), "worker-1", domain.DeviceStatus("bogus"))
	require.ErrorIs(t, err, domain.ErrBadInput)
}

func TestRegistry_CountByStatusReturnsStoreCounts(t *testing.T) {
	store := newFakeStore()
	store.counts = map[domain.DeviceStatus]int64{
		domain.DeviceOnline:  2,
		domain.DeviceBusy:    1,
		domain.DeviceOffline: 0,
	}
	r := New(store, nil, nil, noopLogger())

	counts, err := r.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.DeviceOnline])
	assert.Equal(t, int64(1), counts[domain.DeviceBusy])
}
