package admission

import "time"

// Event payloads are one type per kind, decoded at the API boundary, so the
// controller never inspects a loose shape to find out what it was handed.

// DetectionEvent is a sensor-originated plate detection.
type DetectionEvent struct {
	Plate      string
	Confidence *int
	DeviceID   string
	ImageURL   *string
	Timestamp  *time.Time
	Origin     string // remote address, for the audit trail
}

// ManualEvent is a staff-entered admission.
type ManualEvent struct {
	Plate   string
	ActorID string
	Note    string
	Origin  string
}

// ExitEvent closes an open visit at the gate.
type ExitEvent struct {
	Plate     string
	DeviceID  string
	ActorID   string // set instead of DeviceID for staff-recorded exits
	Timestamp *time.Time
	Origin    string
}
