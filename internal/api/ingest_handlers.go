package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/kinamba/erm-core/internal/admission"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/devices"
)

// IngestHandler serves the device-facing endpoints. Devices authenticate
// per request with their camera id plus x-api-key header.
type IngestHandler struct {
	Admissions *admission.Controller
	Devices    *devices.Service
}

func NewIngestHandler(adm *admission.Controller, dev *devices.Service) *IngestHandler {
	return &IngestHandler{Admissions: adm, Devices: dev}
}

type detectionPayload struct {
	PlateNumber string   `json:"plate_number"`
	Confidence  *float64 `json:"confidence"`
	Timestamp   string   `json:"timestamp"`
	CameraID    string   `json:"camera_id"`
	ImageURL    string   `json:"image_url"`
}

// POST /api/camera/vehicle-entry
func (h *IngestHandler) VehicleEntry(w http.ResponseWriter, r *http.Request) {
	var req detectionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if _, err := h.authenticate(r, req.CameraID); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ev := admission.DetectionEvent{
		Plate:      req.PlateNumber,
		Confidence: percent(req.Confidence),
		DeviceID:   req.CameraID,
		Origin:     "camera",
	}
	if req.ImageURL != "" {
		ev.ImageURL = &req.ImageURL
	}
	// Omitted timestamp means "now"; a present but unparseable one is
	// invalid input, rejected before any rule runs.
	if req.Timestamp != "" {
		ts, err := parseTimestamp(req.Timestamp)
		if err != nil {
			if aerr := h.Admissions.RejectInvalid(r.Context(), req.PlateNumber, req.CameraID, "camera", "unparseable_timestamp"); aerr != nil {
				respondDomainError(w, aerr)
				return
			}
			respondError(w, http.StatusBadRequest, "Invalid timestamp")
			return
		}
		ev.Timestamp = &ts
	}

	result, err := h.Admissions.AdmitDetection(r.Context(), ev)
	if err != nil {
		// Rejections still carry findings the edge can show the operator.
		if result != nil && len(result.Findings) > 0 {
			respondRejection(w, err, result)
			return
		}
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// POST /api/camera/vehicle-exit
func (h *IngestHandler) VehicleExit(w http.ResponseWriter, r *http.Request) {
	var req detectionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if _, err := h.authenticate(r, req.CameraID); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ev := admission.ExitEvent{
		Plate:    req.PlateNumber,
		DeviceID: req.CameraID,
		Origin:   "camera",
	}
	if req.Timestamp != "" {
		ts, err := parseTimestamp(req.Timestamp)
		if err != nil {
			if aerr := h.Admissions.RejectInvalid(r.Context(), req.PlateNumber, req.CameraID, "camera", "unparseable_timestamp"); aerr != nil {
				respondDomainError(w, aerr)
				return
			}
			respondError(w, http.StatusBadRequest, "Invalid timestamp")
			return
		}
		ev.Timestamp = &ts
	}

	visit, err := h.Admissions.RecordExit(r.Context(), ev)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, visit)
}

// POST /api/camera/heartbeat
func (h *IngestHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CameraID string `json:"camera_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if _, err := h.authenticate(r, req.CameraID); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := h.Devices.Heartbeat(r.Context(), req.CameraID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *IngestHandler) authenticate(r *http.Request, cameraID string) (*data.Device, error) {
	key := r.Header.Get("x-api-key")
	if key == "" || cameraID == "" {
		return nil, devices.ErrInvalidCredential
	}
	return h.Devices.Authenticate(r.Context(), cameraID, key)
}

// respondRejection returns the blocked admission with its findings so the
// edge sees what rule fired.
func respondRejection(w http.ResponseWriter, err error, result *admission.Result) {
	status := http.StatusUnprocessableEntity
	if errors.Is(err, admission.ErrDuplicateEntry) {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{
		"error":    err.Error(),
		"findings": result.Findings,
	})
}

// percent rounds the reported confidence to an integer percentage. The edge
// stack reports 0..100; range checking happens in the controller.
func percent(v *float64) *int {
	if v == nil {
		return nil
	}
	p := int(math.Round(*v))
	return &p
}

var errBadTimestamp = errors.New("unparseable timestamp")

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, raw)
}
