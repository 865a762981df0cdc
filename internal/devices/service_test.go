package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
)

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAuditor) Append(ctx context.Context, rec audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, rec.Action)
	return nil
}

type memFeed struct {
	mu     sync.Mutex
	ops    []string
	alerts int
}

func (m *memFeed) DeviceChanged(op string, d *data.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op+":"+d.ID)
}

func (m *memFeed) AlertRaised(a *data.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts++
}

func (m *memFeed) deviceOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newMemDevices()
	audits := &recordingAuditor{}
	svc := NewService(repo, &memAlerts{}, audits)

	d, apiKey, err := svc.Register(context.Background(), "GATE1", "Main Gate", "staff-1")
	require.NoError(t, err)
	require.NotEmpty(t, apiKey)

	// Only the hash is stored.
	assert.NotEqual(t, apiKey, d.KeyHash)
	assert.Contains(t, d.KeyHash, "$argon2id$")
	assert.Contains(t, audits.actions, audit.ActionDeviceRegistered)

	got, err := svc.Authenticate(context.Background(), "GATE1", apiKey)
	require.NoError(t, err)
	assert.Equal(t, "GATE1", got.ID)

	_, err = svc.Authenticate(context.Background(), "GATE1", "wrong-key")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = svc.Authenticate(context.Background(), "NOPE", apiKey)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRegister_MissingID(t *testing.T) {
	svc := NewService(newMemDevices(), &memAlerts{}, &recordingAuditor{})

	_, _, err := svc.Register(context.Background(), "", "anonymous", "staff-1")
	assert.Error(t, err)
}

func TestHeartbeat_OnlineOnlyTouches(t *testing.T) {
	repo := newMemDevices()
	audits := &recordingAuditor{}
	svc := NewService(repo, &memAlerts{}, audits)

	_, _, err := svc.Register(context.Background(), "GATE1", "Main Gate", "staff-1")
	require.NoError(t, err)

	before, _ := repo.GetByID(context.Background(), "GATE1")
	require.NoError(t, svc.Heartbeat(context.Background(), "GATE1"))
	after, _ := repo.GetByID(context.Background(), "GATE1")

	assert.True(t, after.LastSeenAt.After(before.LastSeenAt) || after.LastSeenAt.Equal(before.LastSeenAt))
	assert.NotContains(t, audits.actions, audit.ActionDeviceRecovered)
}

func TestHeartbeat_UnknownDevice(t *testing.T) {
	svc := NewService(newMemDevices(), &memAlerts{}, &recordingAuditor{})

	err := svc.Heartbeat(context.Background(), "GHOST")
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
}

func TestRemove_SoftDeletesFromRegistry(t *testing.T) {
	repo := newMemDevices()
	svc := NewService(repo, &memAlerts{}, &recordingAuditor{})

	_, _, err := svc.Register(context.Background(), "GATE1", "Main Gate", "staff-1")
	require.NoError(t, err)

	require.NoError(t, svc.Remove(context.Background(), "GATE1"))
	_, err = svc.Get(context.Background(), "GATE1")
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
}

func TestFeed_DeviceStatusChanges(t *testing.T) {
	m, repo, alerts := monitorFixture(t)
	svc := NewService(repo, alerts, &recordingAuditor{})
	fd := &memFeed{}
	svc.SetFeedNotifier(fd)
	m.SetFeedNotifier(fd)

	_, _, err := svc.Register(context.Background(), "GATE1", "Main Gate", "staff-1")
	require.NoError(t, err)

	// Silence past the threshold flips the device offline; both the status
	// change and the outage alert reach the feed.
	m.now = func() time.Time { return time.Now().UTC().Add(6 * time.Minute) }
	m.Sweep(context.Background())
	assert.Equal(t, 1, fd.alerts)

	// Heartbeat recovery, then removal.
	require.NoError(t, svc.Heartbeat(context.Background(), "GATE1"))
	require.NoError(t, svc.Remove(context.Background(), "GATE1"))

	assert.Equal(t, []string{
		"registered:GATE1", "offline:GATE1", "online:GATE1", "removed:GATE1",
	}, fd.deviceOps())
}
