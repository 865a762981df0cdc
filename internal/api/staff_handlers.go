package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/admission"
	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/devices"
	"github.com/kinamba/erm-core/internal/feed"
	"github.com/kinamba/erm-core/internal/lifecycle"
	"github.com/kinamba/erm-core/internal/middleware"
)

// StaffHandler serves the authenticated staff API: manual entries, lifecycle
// transitions, reads, and device administration.
type StaffHandler struct {
	Admissions *admission.Controller
	Lifecycle  *lifecycle.Service
	Devices    *devices.Service
	Visits     data.VisitRepository
	Alerts     data.AlertRepository
	Audits     *audit.Service
	Feed       *feed.Publisher // nil when NATS is down
}

// POST /api/v1/entries/manual
func (h *StaffHandler) ManualEntry(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var req struct {
		Plate string `json:"plate"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	result, err := h.Admissions.AdmitManual(r.Context(), admission.ManualEvent{
		Plate:   req.Plate,
		ActorID: ac.StaffID,
		Note:    req.Note,
		Origin:  "staff",
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// POST /api/v1/visits/{id}/transition
func (h *StaffHandler) Transition(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	visitID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid visit ID")
		return
	}

	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	visit, err := h.Lifecycle.Transition(r.Context(), visitID, lifecycle.State(req.To), ac.StaffID, "staff")
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, visit)
}

// GET /api/v1/visits
func (h *StaffHandler) ListVisits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := data.VisitFilter{
		Plate:    admission.NormalizePlate(q.Get("plate")),
		State:    q.Get("state"),
		OpenOnly: q.Get("open") == "true",
	}

	limit, offset := pagination(q.Get("limit"), q.Get("offset"))
	visits, err := h.Visits.List(r.Context(), f, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

// GET /api/v1/visits/{id}
func (h *StaffHandler) GetVisit(w http.ResponseWriter, r *http.Request) {
	visitID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid visit ID")
		return
	}

	visit, err := h.Visits.GetByID(r.Context(), visitID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	alerts, err := h.Alerts.ListByVisit(r.Context(), visitID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"visit": visit, "alerts": alerts})
}

// GET /api/v1/alerts
func (h *StaffHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))

	alerts, err := h.Alerts.List(r.Context(), q.Get("state"), limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// POST /api/v1/alerts/{id}/close
func (h *StaffHandler) CloseAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid alert ID")
		return
	}
	if err := h.Alerts.Close(r.Context(), alertID); err != nil {
		respondDomainError(w, err)
		return
	}
	if h.Feed != nil {
		h.Feed.AlertClosed(alertID)
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// POST /api/v1/devices
func (h *StaffHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	device, apiKey, err := h.Devices.Register(r.Context(), req.ID, req.Name, ac.StaffID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// The key is shown once; it is never retrievable again.
	respondJSON(w, http.StatusCreated, map[string]any{"device": device, "api_key": apiKey})
}

// GET /api/v1/devices
func (h *StaffHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Devices.List(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": list})
}

// DELETE /api/v1/devices/{id}
func (h *StaffHandler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.Devices.Remove(r.Context(), r.PathValue("id")); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /api/v1/audit/records
func (h *StaffHandler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Action:      q.Get("action"),
		Actor:       q.Get("actor"),
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid since timestamp")
			return
		}
		f.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		f.Limit, _ = strconv.Atoi(raw)
	}

	records, err := h.Audits.Query(r.Context(), f)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": records})
}

func pagination(rawLimit, rawOffset string) (int, int) {
	limit := 50
	offset := 0
	if v, err := strconv.Atoi(rawLimit); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(rawOffset); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
