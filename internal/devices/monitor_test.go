package devices

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
)

type memDevices struct {
	mu   sync.Mutex
	byID map[string]*data.Device
}

func newMemDevices() *memDevices {
	return &memDevices{byID: make(map[string]*data.Device)}
}

func (m *memDevices) Create(ctx context.Context, d *data.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.byID[d.ID] = &cp
	return nil
}

func (m *memDevices) GetByID(ctx context.Context, id string) (*data.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok || d.DeletedAt != nil {
		return nil, data.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDevices) ListActive(ctx context.Context) ([]*data.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Device
	for _, d := range m.byID {
		if d.DeletedAt == nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDevices) Touch(ctx context.Context, id, status string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	d.Status = status
	d.LastSeenAt = lastSeen
	return nil
}

func (m *memDevices) SetStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	d.Status = status
	return nil
}

func (m *memDevices) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	now := time.Now().UTC()
	d.DeletedAt = &now
	return nil
}

type memAlerts struct {
	mu     sync.Mutex
	alerts []*data.Alert
}

func (m *memAlerts) Create(ctx context.Context, a *data.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *memAlerts) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*data.Alert, error) {
	return nil, nil
}

func (m *memAlerts) List(ctx context.Context, state string, limit, offset int) ([]*data.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*data.Alert(nil), m.alerts...), nil
}

func (m *memAlerts) GetOpenByDevice(ctx context.Context, deviceID, kind string) (*data.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.DeviceID != nil && *a.DeviceID == deviceID && a.Kind == kind && a.State == data.AlertOpen {
			cp := *a
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (m *memAlerts) Close(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id && a.State == data.AlertOpen {
			a.State = data.AlertClosed
			now := time.Now().UTC()
			a.ClosedAt = &now
			return nil
		}
	}
	return data.ErrRecordNotFound
}

func (m *memAlerts) countByKind(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// testAuditService returns an audit service whose async writes land in a
// throwaway spool instead of a database.
func testAuditService(t *testing.T) *audit.Service {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir, err := os.MkdirTemp("", "monitor_audit")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	audit.ConfigureFailover(dir, 64)

	return audit.NewService(db)
}

func monitorFixture(t *testing.T) (*Monitor, *memDevices, *memAlerts) {
	repo := newMemDevices()
	alerts := &memAlerts{}
	m := NewMonitor(MonitorConfig{
		Interval:         time.Minute,
		OfflineThreshold: 5 * time.Minute,
	}, repo, alerts, testAuditService(t))
	return m, repo, alerts
}

func TestSweep_FlipsSilentDeviceOffline(t *testing.T) {
	m, repo, alerts := monitorFixture(t)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	repo.Create(context.Background(), &data.Device{ID: "GATE1", Status: data.DeviceOnline, LastSeenAt: base.Add(-6 * time.Minute)})
	repo.Create(context.Background(), &data.Device{ID: "GATE2", Status: data.DeviceOnline, LastSeenAt: base.Add(-1 * time.Minute)})

	m.Sweep(context.Background())

	d1, _ := repo.GetByID(context.Background(), "GATE1")
	d2, _ := repo.GetByID(context.Background(), "GATE2")
	assert.Equal(t, data.DeviceOffline, d1.Status)
	assert.Equal(t, data.DeviceOnline, d2.Status)
	assert.Equal(t, 1, alerts.countByKind("device_offline"))
}

func TestSweep_ExactThresholdIsNotOffline(t *testing.T) {
	m, repo, alerts := monitorFixture(t)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	repo.Create(context.Background(), &data.Device{ID: "GATE1", Status: data.DeviceOnline, LastSeenAt: base.Add(-5 * time.Minute)})

	m.Sweep(context.Background())

	d, _ := repo.GetByID(context.Background(), "GATE1")
	assert.Equal(t, data.DeviceOnline, d.Status)
	assert.Zero(t, alerts.countByKind("device_offline"))
}

func TestSweep_OneAlertPerOutage(t *testing.T) {
	m, repo, alerts := monitorFixture(t)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	repo.Create(context.Background(), &data.Device{ID: "GATE1", Status: data.DeviceOnline, LastSeenAt: base.Add(-10 * time.Minute)})

	// Ten consecutive sweeps over a continuing outage.
	for i := 0; i < 10; i++ {
		m.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		m.Sweep(context.Background())
	}

	assert.Equal(t, 1, alerts.countByKind("device_offline"))
}

func TestHeartbeatRecovery_ThenNewOutage(t *testing.T) {
	m, repo, alerts := monitorFixture(t)
	svc := NewService(repo, alerts, &nopAuditor{})

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	repo.Create(context.Background(), &data.Device{ID: "GATE1", Status: data.DeviceOnline, LastSeenAt: base.Add(-10 * time.Minute)})

	// First outage.
	m.Sweep(context.Background())
	require.Equal(t, 1, alerts.countByKind("device_offline"))

	// Heartbeat: back online, outage alert closed.
	require.NoError(t, svc.Heartbeat(context.Background(), "GATE1"))
	d, _ := repo.GetByID(context.Background(), "GATE1")
	assert.Equal(t, data.DeviceOnline, d.Status)
	_, err := alerts.GetOpenByDevice(context.Background(), "GATE1", "device_offline")
	assert.ErrorIs(t, err, data.ErrRecordNotFound)

	// Second silence raises a fresh alert.
	m.now = func() time.Time { return time.Now().UTC().Add(6 * time.Minute) }
	m.Sweep(context.Background())
	assert.Equal(t, 2, alerts.countByKind("device_offline"))
}

type nopAuditor struct{}

func (nopAuditor) Append(ctx context.Context, rec audit.Record) error { return nil }
