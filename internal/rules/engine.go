// Package rules evaluates admission predicates. The engine is stateless: it
// is a pure function of the event and a snapshot of current state, so every
// rule can be exercised in isolation and order only affects output order.
package rules

import (
	"fmt"
	"time"
)

// Finding kinds.
const (
	KindLowConfidence   = "low_confidence"
	KindDuplicateEntry  = "duplicate_entry"
	KindCapacityWarning = "capacity_warning"
	KindAfterHours      = "after_hours"
	KindUnknownPlate    = "unknown_plate"
)

// Severities, weakest first.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Finding is one advisory or blocking outcome of a single rule.
type Finding struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Blocking bool   `json:"-"`
}

// Policy is the configured admission policy. Loaded from config and
// hot-reloadable; the engine itself holds no mutable state.
type Policy struct {
	ConfidenceFloor int `yaml:"confidence_floor"`
	Capacity        int `yaml:"capacity"`

	// DuplicatePolicy is "warn" (default) or "reject". Under "warn" a
	// duplicate admission reuses the existing open visit; under "reject"
	// it is refused outright. One policy, stated explicitly.
	DuplicatePolicy string `yaml:"duplicate_policy"`

	// Operating window, hours in local time. OpenHour == CloseHour
	// disables the check.
	OpenHour  int `yaml:"open_hour"`
	CloseHour int `yaml:"close_hour"`
}

// DefaultPolicy mirrors the deployed defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceFloor: 85,
		Capacity:        50,
		DuplicatePolicy: "warn",
		OpenHour:        6,
		CloseHour:       22,
	}
}

// Input is the snapshot a single admission decision is judged against.
type Input struct {
	Confidence     *int // nil for manual entries; they are not confidence-gated
	Timestamp      time.Time
	OpenVisitSame  bool // an open visit already exists for this plate
	OpenVisitCount int
	PlateKnown     bool
}

// Evaluate runs every rule against the input. Rules are independent; the
// result order is fixed only for stable output.
func Evaluate(p Policy, in Input) []Finding {
	var findings []Finding

	if f := checkConfidence(p, in); f != nil {
		findings = append(findings, *f)
	}
	if f := checkDuplicate(p, in); f != nil {
		findings = append(findings, *f)
	}
	if f := checkCapacity(p, in); f != nil {
		findings = append(findings, *f)
	}
	if f := checkHours(p, in); f != nil {
		findings = append(findings, *f)
	}
	if f := checkKnownPlate(in); f != nil {
		findings = append(findings, *f)
	}
	return findings
}

// Blocking reports whether any finding forbids admission.
func Blocking(findings []Finding) *Finding {
	for i := range findings {
		if findings[i].Blocking {
			return &findings[i]
		}
	}
	return nil
}

func checkConfidence(p Policy, in Input) *Finding {
	if in.Confidence == nil {
		return nil
	}
	if *in.Confidence >= p.ConfidenceFloor {
		return nil
	}
	return &Finding{
		Kind:     KindLowConfidence,
		Severity: SeverityError,
		Message:  fmt.Sprintf("confidence %d below threshold %d", *in.Confidence, p.ConfidenceFloor),
		Blocking: true,
	}
}

func checkDuplicate(p Policy, in Input) *Finding {
	if !in.OpenVisitSame {
		return nil
	}
	return &Finding{
		Kind:     KindDuplicateEntry,
		Severity: SeverityWarning,
		Message:  "an open visit already exists for this plate",
		Blocking: p.DuplicatePolicy == "reject",
	}
}

func checkCapacity(p Policy, in Input) *Finding {
	if p.Capacity <= 0 || in.OpenVisitCount < p.Capacity {
		return nil
	}
	return &Finding{
		Kind:     KindCapacityWarning,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("open visits %d at or above capacity %d", in.OpenVisitCount, p.Capacity),
	}
}

func checkHours(p Policy, in Input) *Finding {
	if p.OpenHour == p.CloseHour {
		return nil
	}
	h := in.Timestamp.Hour()
	inside := false
	if p.OpenHour < p.CloseHour {
		inside = h >= p.OpenHour && h < p.CloseHour
	} else {
		// Overnight window, e.g. 22-06.
		inside = h >= p.OpenHour || h < p.CloseHour
	}
	if inside {
		return nil
	}
	return &Finding{
		Kind:     KindAfterHours,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("event at %02d:00 outside operating hours %02d-%02d", h, p.OpenHour, p.CloseHour),
	}
}

func checkKnownPlate(in Input) *Finding {
	if in.PlateKnown {
		return nil
	}
	return &Finding{
		Kind:     KindUnknownPlate,
		Severity: SeverityInfo,
		Message:  "plate has no registered owner",
	}
}
