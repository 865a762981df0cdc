package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known action names. Handlers and services may also log their own.
const (
	ActionVehicleEntry      = "VEHICLE_ENTRY"
	ActionVehicleExit       = "VEHICLE_EXIT"
	ActionAdmissionRejected = "ADMISSION_REJECTED"
	ActionStateTransition   = "STATE_TRANSITION"
	ActionTransitionDenied  = "TRANSITION_DENIED"
	ActionApprovalRequested = "APPROVAL_REQUESTED"
	ActionApprovalResolved  = "APPROVAL_RESOLVED"
	ActionDeviceOffline     = "DEVICE_OFFLINE"
	ActionDeviceRecovered   = "DEVICE_RECOVERED"
	ActionDeviceRegistered  = "DEVICE_REGISTERED"
)

// ActorSystem identifies records written by background components rather than
// a device or staff member.
const ActorSystem = "system"

// Record is a single append-only forensic log entry.
type Record struct {
	ID          uuid.UUID       `json:"id"`
	EventID     uuid.UUID       `json:"event_id"` // idempotency key
	Action      string          `json:"action"`
	Actor       string          `json:"actor"` // device id, staff id, or "system"
	SubjectType string          `json:"subject_type,omitempty"`
	SubjectID   string          `json:"subject_id,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	Origin      string          `json:"origin,omitempty"` // remote address
	CreatedAt   time.Time       `json:"created_at"`
}

// SpooledRecord wraps a Record for JSONL spooling.
type SpooledRecord struct {
	EventID   string    `json:"event_id"`
	Payload   Record    `json:"payload"`
	SpooledAt time.Time `json:"spooled_at"`
}

// Filter narrows audit queries.
type Filter struct {
	Action      string
	Actor       string
	SubjectType string
	SubjectID   string
	Since       *time.Time
	Limit       int
}

// Detail marshals a detail map, swallowing the impossible error.
func Detail(kv map[string]any) json.RawMessage {
	b, _ := json.Marshal(kv)
	return b
}
