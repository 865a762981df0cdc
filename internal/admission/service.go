// Package admission is the entry point for every detection and manual event:
// it normalizes the plate, collapses re-detections, evaluates the rule
// engine, and either opens a visit or rejects with an audited decision.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/lifecycle"
	"github.com/kinamba/erm-core/internal/metrics"
	"github.com/kinamba/erm-core/internal/rules"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrBelowConfidenceFloor = errors.New("confidence below floor")
	ErrDuplicateEntry       = errors.New("duplicate entry")
)

type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

// ApprovalRequester opens the asynchronous approval round-trip for a visit
// that starts in AWAITING_APPROVAL.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, v *data.Visit) error
}

// Transitioner drives the lifecycle state machine for exit events.
type Transitioner interface {
	TransitionAs(ctx context.Context, visitID uuid.UUID, to lifecycle.State, actor, origin, action string, detail map[string]any) (*data.Visit, error)
}

// FeedNotifier mirrors committed admission writes onto the change feed.
// Best-effort: the controller never fails an admission over it.
type FeedNotifier interface {
	VisitChanged(op string, v *data.Visit)
	AlertRaised(a *data.Alert)
}

// PolicyProvider returns the current rule policy; hot-reloaded by the config
// watcher, so the controller reads it per decision.
type PolicyProvider func() rules.Policy

type Config struct {
	SuppressionWindow time.Duration
	SuppressionKeys   int
	// RequireApproval forces sensor admissions into AWAITING_APPROVAL
	// instead of ENTERED.
	RequireApproval bool
}

// Result is the outcome of one processed (non-suppressed) event.
type Result struct {
	Visit      *data.Visit     `json:"visit,omitempty"`
	Findings   []rules.Finding `json:"findings,omitempty"`
	Alerts     []*data.Alert   `json:"alerts,omitempty"`
	Suppressed bool            `json:"suppressed,omitempty"`
	// Reused is set when a duplicate admission resolved to the already-open
	// visit instead of creating a second one.
	Reused bool `json:"reused,omitempty"`
}

type Controller struct {
	visits   data.VisitRepository
	alerts   data.AlertRepository
	vehicles data.VehicleRepository
	audits   Auditor
	policy   PolicyProvider
	cfg      Config

	suppressor *Suppressor
	locks      *plateLocks

	transitions Transitioner
	approvals   ApprovalRequester
	feed        FeedNotifier
}

func NewController(visits data.VisitRepository, alerts data.AlertRepository, vehicles data.VehicleRepository, audits Auditor, policy PolicyProvider, cfg Config) *Controller {
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = 60 * time.Second
	}
	return &Controller{
		visits:     visits,
		alerts:     alerts,
		vehicles:   vehicles,
		audits:     audits,
		policy:     policy,
		cfg:        cfg,
		suppressor: NewSuppressor(cfg.SuppressionKeys, cfg.SuppressionWindow),
		locks:      newPlateLocks(),
	}
}

// SetTransitioner and SetApprovalRequester break the wiring cycle: the
// lifecycle service and approval workflow are constructed after the
// controller but before traffic.
func (c *Controller) SetTransitioner(t Transitioner)           { c.transitions = t }
func (c *Controller) SetApprovalRequester(a ApprovalRequester) { c.approvals = a }

// SetFeedNotifier wires the change feed; nil leaves the feed dark.
func (c *Controller) SetFeedNotifier(f FeedNotifier) { c.feed = f }

func (c *Controller) publishAlerts(alerts []*data.Alert) {
	if c.feed == nil {
		return
	}
	for _, a := range alerts {
		c.feed.AlertRaised(a)
	}
}

// AdmitDetection processes one sensor detection.
func (c *Controller) AdmitDetection(ctx context.Context, ev DetectionEvent) (*Result, error) {
	plate, err := c.validatePlate(ctx, ev.Plate, ev.DeviceID, ev.Origin)
	if err != nil {
		return nil, err
	}
	if ev.Confidence != nil && (*ev.Confidence < 0 || *ev.Confidence > 100) {
		if err := c.auditRejected(ctx, ev.DeviceID, ev.Origin, plate, "invalid_confidence"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: confidence %d out of range", ErrInvalidInput, *ev.Confidence)
	}

	// Frame-level repeat of one physical pass: discard silently. No visit,
	// no audit record.
	if c.suppressor.Seen(plate, ev.DeviceID) {
		metrics.SuppressedTotal.Inc()
		return &Result{Suppressed: true}, nil
	}

	ts := time.Now().UTC()
	if ev.Timestamp != nil {
		ts = *ev.Timestamp
	}

	return c.admit(ctx, admitParams{
		plate:      plate,
		rawPlate:   ev.Plate,
		confidence: ev.Confidence,
		source:     data.SourceSensor,
		deviceID:   &ev.DeviceID,
		imageURL:   ev.ImageURL,
		timestamp:  ts,
		actor:      ev.DeviceID,
		origin:     ev.Origin,
	})
}

// RejectInvalid records an admission attempt the boundary refused to decode,
// so invalid input leaves the same single-record trail as other rejections.
func (c *Controller) RejectInvalid(ctx context.Context, rawPlate, actor, origin, reason string) error {
	plate := NormalizePlate(rawPlate)
	if plate == "" {
		plate = rawPlate
	}
	return c.auditRejected(ctx, actor, origin, plate, reason)
}

// AdmitManual processes a staff-entered admission. Manual entries are not
// confidence-gated and always start in AWAITING_APPROVAL.
func (c *Controller) AdmitManual(ctx context.Context, ev ManualEvent) (*Result, error) {
	if ev.ActorID == "" {
		if err := c.auditRejected(ctx, "", ev.Origin, NormalizePlate(ev.Plate), "missing_actor"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: missing actor", ErrInvalidInput)
	}
	plate, err := c.validatePlate(ctx, ev.Plate, ev.ActorID, ev.Origin)
	if err != nil {
		return nil, err
	}

	return c.admit(ctx, admitParams{
		plate:     plate,
		rawPlate:  ev.Plate,
		source:    data.SourceManual,
		notes:     ev.Note,
		timestamp: time.Now().UTC(),
		actor:     ev.ActorID,
		origin:    ev.Origin,
	})
}

// RecordExit resolves the open visit for a plate and drives it to EXITED.
func (c *Controller) RecordExit(ctx context.Context, ev ExitEvent) (*data.Visit, error) {
	actor := ev.ActorID
	if actor == "" {
		actor = ev.DeviceID
	}
	plate, err := c.validatePlate(ctx, ev.Plate, actor, ev.Origin)
	if err != nil {
		return nil, err
	}

	mu := c.locks.lock(plate)
	defer mu.Unlock()

	open, err := c.visits.GetOpenByPlate(ctx, plate)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			auditErr := c.audits.Append(ctx, audit.Record{
				Action:      audit.ActionTransitionDenied,
				Actor:       actor,
				SubjectType: "plate",
				SubjectID:   plate,
				Origin:      ev.Origin,
				Detail:      audit.Detail(map[string]any{"reason": "no_active_visit", "event": "exit"}),
			})
			if auditErr != nil {
				return nil, auditErr
			}
			return nil, lifecycle.ErrNoActiveVisit
		}
		return nil, fmt.Errorf("exit lookup: %w", err)
	}

	detail := map[string]any{}
	if ev.DeviceID != "" {
		detail["device_id"] = ev.DeviceID
	}
	return c.transitions.TransitionAs(ctx, open.ID, lifecycle.StateExited, actor, ev.Origin, audit.ActionVehicleExit, detail)
}

type admitParams struct {
	plate      string
	rawPlate   string
	confidence *int
	source     string
	deviceID   *string
	imageURL   *string
	notes      string
	timestamp  time.Time
	actor      string
	origin     string
}

func (c *Controller) admit(ctx context.Context, p admitParams) (*Result, error) {
	mu := c.locks.lock(p.plate)
	defer mu.Unlock()

	open, err := c.visits.GetOpenByPlate(ctx, p.plate)
	if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return nil, fmt.Errorf("open visit lookup: %w", err)
	}
	openCount, err := c.visits.CountOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("open visit count: %w", err)
	}
	known := true
	if _, err := c.vehicles.GetByPlate(ctx, p.plate); err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			return nil, fmt.Errorf("vehicle lookup: %w", err)
		}
		known = false
	}

	findings := rules.Evaluate(c.policy(), rules.Input{
		Confidence:     p.confidence,
		Timestamp:      p.timestamp,
		OpenVisitSame:  open != nil,
		OpenVisitCount: openCount,
		PlateKnown:     known,
	})

	if blocking := rules.Blocking(findings); blocking != nil {
		if err := c.auditRejected(ctx, p.actor, p.origin, p.plate, blocking.Kind); err != nil {
			return nil, err
		}
		metrics.AdmissionsTotal.WithLabelValues(p.source, "rejected").Inc()
		res := &Result{Findings: findings}
		switch blocking.Kind {
		case rules.KindLowConfidence:
			return res, fmt.Errorf("%w: %s", ErrBelowConfidenceFloor, blocking.Message)
		case rules.KindDuplicateEntry:
			return res, fmt.Errorf("%w: %s", ErrDuplicateEntry, blocking.Message)
		default:
			return res, fmt.Errorf("admission blocked: %s", blocking.Message)
		}
	}

	if open != nil {
		// Warn-only duplicate policy: the physical vehicle is already
		// on-site, so resolve to the existing open visit rather than
		// opening a second one.
		return c.reuseOpenVisit(ctx, open, findings, p)
	}

	state := lifecycle.StateEntered
	if p.source == data.SourceManual || c.cfg.RequireApproval {
		state = lifecycle.StateAwaitingApproval
	}

	v := &data.Visit{
		Plate:      p.plate,
		RawPlate:   p.rawPlate,
		Confidence: p.confidence,
		Source:     p.source,
		State:      string(state),
		EntryAt:    p.timestamp,
		DeviceID:   p.deviceID,
		ImageURL:   p.imageURL,
		Notes:      p.notes,
	}
	if err := c.visits.Create(ctx, v); err != nil {
		if data.IsOpenVisitConflict(err) {
			// Lost the insert race to a concurrent admission of the same
			// plate. The winner's visit is the open one now.
			winner, rerr := c.visits.GetOpenByPlate(ctx, p.plate)
			if rerr != nil {
				return nil, fmt.Errorf("conflict reread: %w", rerr)
			}
			return c.reuseOpenVisit(ctx, winner, findings, p)
		}
		return nil, fmt.Errorf("visit create: %w", err)
	}

	persisted, err := c.persistFindings(ctx, v.ID, findings)
	if err != nil {
		return nil, err
	}

	err = c.audits.Append(ctx, audit.Record{
		Action:      audit.ActionVehicleEntry,
		Actor:       p.actor,
		SubjectType: "visit",
		SubjectID:   v.ID.String(),
		Origin:      p.origin,
		Detail: audit.Detail(map[string]any{
			"plate": p.plate, "source": p.source, "state": state, "confidence": p.confidence,
		}),
	})
	if err != nil {
		return nil, err
	}

	if state == lifecycle.StateAwaitingApproval && c.approvals != nil {
		// A failed request leaves the visit AWAITING_APPROVAL for staff
		// follow-up; it never rolls back the admission.
		if err := c.approvals.RequestApproval(ctx, v); err != nil {
			log.Printf("[WARN] admission: approval request for visit %s failed: %v", v.ID, err)
		}
	}

	metrics.AdmissionsTotal.WithLabelValues(p.source, "admitted").Inc()
	metrics.OpenVisits.Set(float64(openCount + 1))

	if c.feed != nil {
		c.feed.VisitChanged("created", v)
	}
	c.publishAlerts(persisted)

	return &Result{Visit: v, Findings: findings, Alerts: persisted}, nil
}

func (c *Controller) reuseOpenVisit(ctx context.Context, open *data.Visit, findings []rules.Finding, p admitParams) (*Result, error) {
	persisted, err := c.persistFindings(ctx, open.ID, findings)
	if err != nil {
		return nil, err
	}

	err = c.audits.Append(ctx, audit.Record{
		Action:      audit.ActionVehicleEntry,
		Actor:       p.actor,
		SubjectType: "visit",
		SubjectID:   open.ID.String(),
		Origin:      p.origin,
		Detail: audit.Detail(map[string]any{
			"plate": p.plate, "source": p.source, "duplicate": true,
		}),
	})
	if err != nil {
		return nil, err
	}

	metrics.AdmissionsTotal.WithLabelValues(p.source, "duplicate").Inc()
	c.publishAlerts(persisted)
	return &Result{Visit: open, Findings: findings, Alerts: persisted, Reused: true}, nil
}

// persistFindings stores findings of severity warning and above as alerts
// linked to the visit. Info findings are surfaced in the response only.
func (c *Controller) persistFindings(ctx context.Context, visitID uuid.UUID, findings []rules.Finding) ([]*data.Alert, error) {
	var out []*data.Alert
	for _, f := range findings {
		if f.Severity == rules.SeverityInfo {
			continue
		}
		a := &data.Alert{
			VisitID:  &visitID,
			Kind:     f.Kind,
			Severity: f.Severity,
			Message:  f.Message,
			State:    data.AlertOpen,
		}
		if err := c.alerts.Create(ctx, a); err != nil {
			return nil, fmt.Errorf("alert create: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Controller) validatePlate(ctx context.Context, raw, actor, origin string) (string, error) {
	plate := NormalizePlate(raw)
	if plate == "" {
		if err := c.auditRejected(ctx, actor, origin, raw, "missing_plate"); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: missing plate", ErrInvalidInput)
	}
	return plate, nil
}

func (c *Controller) auditRejected(ctx context.Context, actor, origin, plate, reason string) error {
	return c.audits.Append(ctx, audit.Record{
		Action:      audit.ActionAdmissionRejected,
		Actor:       actor,
		SubjectType: "plate",
		SubjectID:   plate,
		Origin:      origin,
		Detail:      audit.Detail(map[string]any{"reason": reason}),
	})
}
