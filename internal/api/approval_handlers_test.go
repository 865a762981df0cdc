package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/api"
	"github.com/kinamba/erm-core/internal/approval"
	"github.com/kinamba/erm-core/internal/data"
)

type MockApprovalRepo struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]*data.ApprovalRequest
}

func NewMockApprovalRepo() *MockApprovalRepo {
	return &MockApprovalRepo{reqs: map[uuid.UUID]*data.ApprovalRequest{}}
}

func (m *MockApprovalRepo) Create(ctx context.Context, a *data.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	cp := *a
	m.reqs[a.ID] = &cp
	return nil
}

func (m *MockApprovalRepo) GetByID(ctx context.Context, id uuid.UUID) (*data.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.reqs[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockApprovalRepo) GetPendingByVisit(ctx context.Context, visitID uuid.UUID) (*data.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.reqs {
		if a.VisitID == visitID && a.Status == data.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (m *MockApprovalRepo) Resolve(ctx context.Context, id uuid.UUID, status string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.reqs[id]
	if !ok || a.Status != data.ApprovalPending {
		return false, nil
	}
	a.Status = status
	now := time.Now().UTC()
	a.RespondedAt = &now
	return true, nil
}

type MockNotifier struct{}

func (m *MockNotifier) Send(req approval.NotificationRequest) error { return nil }

// callbackFixture seeds one AWAITING_APPROVAL visit with a pending request.
type callbackFixture struct {
	handler    *api.ApprovalHandler
	visits     *MockVisitRepo
	visitID    uuid.UUID
	approvalID uuid.UUID
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	f := newHandlerFixture(t)

	v := &data.Visit{Plate: "KAA001A", RawPlate: "KAA001A", Source: data.SourceManual, State: "AWAITING_APPROVAL"}
	if err := f.visits.Create(context.Background(), v); err != nil {
		t.Fatalf("seed visit: %v", err)
	}

	approvals := NewMockApprovalRepo()
	req := &data.ApprovalRequest{VisitID: v.ID, PartyID: "C1", Channel: "sms", Status: data.ApprovalPending, SentAt: time.Now().UTC()}
	approvals.Create(context.Background(), req)

	wf := approval.NewWorkflow(approvals, &MockVehicleRepo{}, &MockAuditor{}, &MockNotifier{}, f.lifecycle, "http://localhost:8080")
	return &callbackFixture{
		handler:    api.NewApprovalHandler(wf),
		visits:     f.visits,
		visitID:    v.ID,
		approvalID: req.ID,
	}
}

func postCallback(h *api.ApprovalHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/approvals/callback", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	h.Callback(rr, req)
	return rr
}

func TestCallback_Approved(t *testing.T) {
	f := newCallbackFixture(t)

	body := `{"approval_id":"` + f.approvalID.String() + `", "status":"approved"}`
	rr := postCallback(f.handler, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	visit, _ := f.visits.GetByID(context.Background(), f.visitID)
	if visit.State != "IN_SERVICE" {
		t.Errorf("Expected IN_SERVICE, got %s", visit.State)
	}
}

func TestCallback_Rejected(t *testing.T) {
	f := newCallbackFixture(t)

	body := `{"approval_id":"` + f.approvalID.String() + `", "status":"rejected"}`
	rr := postCallback(f.handler, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	visit, _ := f.visits.GetByID(context.Background(), f.visitID)
	if visit.State != "FLAGGED" {
		t.Errorf("Expected FLAGGED, got %s", visit.State)
	}
}

func TestCallback_DuplicateDelivery(t *testing.T) {
	f := newCallbackFixture(t)

	body := `{"approval_id":"` + f.approvalID.String() + `", "status":"approved"}`
	if rr := postCallback(f.handler, body); rr.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", rr.Code)
	}

	rr := postCallback(f.handler, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 on redelivery, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("already_resolved")) {
		t.Errorf("Expected already_resolved, got %s", rr.Body.String())
	}
}

func TestCallback_ConflictingOutcome(t *testing.T) {
	f := newCallbackFixture(t)

	approve := `{"approval_id":"` + f.approvalID.String() + `", "status":"approved"}`
	if rr := postCallback(f.handler, approve); rr.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", rr.Code)
	}

	reject := `{"approval_id":"` + f.approvalID.String() + `", "status":"rejected"}`
	rr := postCallback(f.handler, reject)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d. Body: %s", rr.Code, rr.Body.String())
	}
}

func TestCallback_UnknownID(t *testing.T) {
	f := newCallbackFixture(t)

	body := `{"approval_id":"` + uuid.New().String() + `", "status":"approved"}`
	rr := postCallback(f.handler, body)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", rr.Code)
	}
}

func TestCallback_InvalidStatus(t *testing.T) {
	f := newCallbackFixture(t)

	body := `{"approval_id":"` + f.approvalID.String() + `", "status":"maybe"}`
	rr := postCallback(f.handler, body)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}

func TestCallback_BadUUID(t *testing.T) {
	f := newCallbackFixture(t)

	rr := postCallback(f.handler, `{"approval_id":"nope", "status":"approved"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rr.Code)
	}
}
