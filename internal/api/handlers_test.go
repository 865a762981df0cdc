package api_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/admission"
	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/devices"
	"github.com/kinamba/erm-core/internal/lifecycle"
	"github.com/kinamba/erm-core/internal/middleware"
	"github.com/kinamba/erm-core/internal/rules"
)

// Recording auditor. Tests that care about the trail read back what the
// services wrote; everyone else ignores it.
type MockAuditor struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *MockAuditor) Append(ctx context.Context, rec audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// visitActions returns the audit actions recorded against the given visit,
// in write order.
func (m *MockAuditor) visitActions(visitID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, rec := range m.records {
		if rec.SubjectType == "visit" && rec.SubjectID == visitID {
			out = append(out, rec.Action)
		}
	}
	return out
}

func (m *MockAuditor) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, rec := range m.records {
		out = append(out, rec.Action)
	}
	return out
}

// In-memory visit repo. Enough behavior for the handler paths: one open
// visit per plate, guarded state updates.
type MockVisitRepo struct {
	mu     sync.Mutex
	visits map[uuid.UUID]*data.Visit
}

func NewMockVisitRepo() *MockVisitRepo {
	return &MockVisitRepo{visits: map[uuid.UUID]*data.Visit{}}
}

func (m *MockVisitRepo) Create(ctx context.Context, v *data.Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = uuid.New()
	v.CreatedAt = time.Now().UTC()
	v.UpdatedAt = v.CreatedAt
	cp := *v
	m.visits[v.ID] = &cp
	return nil
}

func (m *MockVisitRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MockVisitRepo) GetOpenByPlate(ctx context.Context, plate string) (*data.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.visits {
		if v.Plate == plate && v.State != "EXITED" && v.State != "FLAGGED" {
			cp := *v
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (m *MockVisitRepo) CountOpen(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.visits {
		if v.State != "EXITED" && v.State != "FLAGGED" {
			n++
		}
	}
	return n, nil
}

func (m *MockVisitRepo) UpdateStateIf(ctx context.Context, id uuid.UUID, from, to string, exitAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok || v.State != from {
		return false, nil
	}
	v.State = to
	if exitAt != nil {
		v.ExitAt = exitAt
	}
	return true, nil
}

func (m *MockVisitRepo) List(ctx context.Context, f data.VisitFilter, limit, offset int) ([]*data.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*data.Visit{}
	for _, v := range m.visits {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

type MockAlertRepo struct {
	mu     sync.Mutex
	alerts []*data.Alert
}

func (m *MockAlertRepo) Create(ctx context.Context, a *data.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.State = "open"
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *MockAlertRepo) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*data.Alert, error) {
	return []*data.Alert{}, nil
}

func (m *MockAlertRepo) List(ctx context.Context, state string, limit, offset int) ([]*data.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*data.Alert{}, m.alerts...), nil
}

func (m *MockAlertRepo) GetOpenByDevice(ctx context.Context, deviceID, kind string) (*data.Alert, error) {
	return nil, data.ErrRecordNotFound
}

func (m *MockAlertRepo) Close(ctx context.Context, id uuid.UUID) error { return nil }

type MockDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*data.Device
}

func NewMockDeviceRepo() *MockDeviceRepo {
	return &MockDeviceRepo{devices: map[string]*data.Device{}}
}

func (m *MockDeviceRepo) Create(ctx context.Context, d *data.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *MockDeviceRepo) GetByID(ctx context.Context, id string) (*data.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok || d.DeletedAt != nil {
		return nil, data.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MockDeviceRepo) ListActive(ctx context.Context) ([]*data.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*data.Device{}
	for _, d := range m.devices {
		if d.DeletedAt == nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockDeviceRepo) Touch(ctx context.Context, id, status string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.Status = status
		d.LastSeenAt = lastSeen
	}
	return nil
}

func (m *MockDeviceRepo) SetStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.Status = status
	}
	return nil
}

func (m *MockDeviceRepo) SoftDelete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		now := time.Now().UTC()
		d.DeletedAt = &now
	}
	return nil
}

// Every plate is unregistered; admission treats that as an info finding.
type MockVehicleRepo struct{}

func (m *MockVehicleRepo) GetByPlate(ctx context.Context, plate string) (*data.RegisteredVehicle, error) {
	return nil, data.ErrRecordNotFound
}

// handlerFixture wires real services over the in-memory repos, the way the
// server does at boot.
type handlerFixture struct {
	visits    *MockVisitRepo
	devices   *devices.Service
	lifecycle *lifecycle.Service
	ctrl      *admission.Controller
	audits    *MockAuditor
	apiKey    string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	visits := NewMockVisitRepo()
	alerts := &MockAlertRepo{}
	devRepo := NewMockDeviceRepo()
	audits := &MockAuditor{}

	devSvc := devices.NewService(devRepo, alerts, audits)
	_, apiKey, err := devSvc.Register(context.Background(), "GATE1", "Main Gate", "admin")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}

	// Open around the clock so results do not depend on when tests run.
	pol := rules.DefaultPolicy()
	pol.OpenHour, pol.CloseHour = 0, 0
	policy := func() rules.Policy { return pol }
	ctrl := admission.NewController(visits, alerts, &MockVehicleRepo{}, audits, policy, admission.Config{})

	lc := lifecycle.NewService(visits, audits)
	ctrl.SetTransitioner(lc)

	return &handlerFixture{
		visits:    visits,
		devices:   devSvc,
		lifecycle: lc,
		ctrl:      ctrl,
		audits:    audits,
		apiKey:    apiKey,
	}
}

func withAuth(req *http.Request) *http.Request {
	ac := &middleware.AuthContext{
		StaffID: "staff-1",
		Role:    "operator",
	}
	ctx := middleware.WithAuthContext(req.Context(), ac)
	return req.WithContext(ctx)
}
