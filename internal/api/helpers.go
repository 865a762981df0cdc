package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/kinamba/erm-core/internal/admission"
	"github.com/kinamba/erm-core/internal/approval"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/devices"
	"github.com/kinamba/erm-core/internal/lifecycle"
)

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps domain errors onto actionable status codes.
// Anything unmapped is an internal fault: logged with detail, returned
// without it.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidInput),
		errors.Is(err, lifecycle.ErrUnknownState),
		errors.Is(err, approval.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrBelowConfidenceFloor):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, admission.ErrDuplicateEntry),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, approval.ErrUnknownOrResolved):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrNoActiveVisit),
		errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, devices.ErrInvalidCredential):
		respondError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		log.Printf("[ERROR] api: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
