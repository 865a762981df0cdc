package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/approval"
)

// ApprovalHandler receives resolution callbacks from the notification
// provider. Deliveries are at-least-once; duplicates resolve to the same
// 200 the first delivery got.
type ApprovalHandler struct {
	Workflow *approval.Workflow
}

func NewApprovalHandler(wf *approval.Workflow) *ApprovalHandler {
	return &ApprovalHandler{Workflow: wf}
}

// POST /api/approvals/callback
func (h *ApprovalHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID string          `json:"approval_id"`
		Status     string          `json:"status"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	approvalID, err := uuid.Parse(req.ApprovalID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid approval ID")
		return
	}

	visit, err := h.Workflow.HandleCallback(r.Context(), approval.Callback{
		ApprovalID: approvalID,
		Status:     req.Status,
		Payload:    req.Payload,
		Origin:     "callback",
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if visit == nil {
		// Redelivery of an already-applied outcome.
		respondJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "resolved", "visit": visit})
}
