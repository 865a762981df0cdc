// Package approval orchestrates the asynchronous client-approval round-trip:
// request creation when a visit enters AWAITING_APPROVAL, fire-and-forget
// dispatch to the notification channel, and idempotent callback resolution.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/lifecycle"
	"github.com/kinamba/erm-core/internal/metrics"
)

var (
	ErrUnknownOrResolved = errors.New("unknown or already resolved approval")
	ErrInvalidStatus     = errors.New("invalid approval status")
)

type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Transitioner interface {
	TransitionAs(ctx context.Context, visitID uuid.UUID, to lifecycle.State, actor, origin, action string, detail map[string]any) (*data.Visit, error)
}

// Callback is the inbound resolution from the notification channel.
// Delivered at least once; handling must be idempotent.
type Callback struct {
	ApprovalID uuid.UUID
	Status     string // approved | rejected
	Payload    json.RawMessage
	Origin     string
}

type Workflow struct {
	approvals data.ApprovalRepository
	vehicles  data.VehicleRepository
	audits    Auditor
	notifier  Notifier
	lifecycle Transitioner

	callbackBase string
}

func NewWorkflow(approvals data.ApprovalRepository, vehicles data.VehicleRepository, audits Auditor, notifier Notifier, lc Transitioner, callbackBase string) *Workflow {
	return &Workflow{
		approvals:    approvals,
		vehicles:     vehicles,
		audits:       audits,
		notifier:     notifier,
		lifecycle:    lc,
		callbackBase: callbackBase,
	}
}

// LifecycleHook returns a hook that opens an approval round-trip whenever a
// visit transitions into AWAITING_APPROVAL (manual overrides included).
func (w *Workflow) LifecycleHook() lifecycle.Hook {
	return func(ctx context.Context, v *data.Visit, from, to lifecycle.State) {
		if to != lifecycle.StateAwaitingApproval {
			return
		}
		if err := w.RequestApproval(ctx, v); err != nil {
			log.Printf("[WARN] approval: request for visit %s failed: %v", v.ID, err)
		}
	}
}

// RequestApproval creates one pending ApprovalRequest for the visit and
// dispatches the notification asynchronously. A visit keeps at most one
// pending request; calling again while one is pending is a no-op.
func (w *Workflow) RequestApproval(ctx context.Context, v *data.Visit) error {
	if existing, err := w.approvals.GetPendingByVisit(ctx, v.ID); err == nil && existing != nil {
		return nil
	} else if err != nil && !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("pending lookup: %w", err)
	}

	partyID, channel := "staff", "web"
	if veh, err := w.vehicles.GetByPlate(ctx, v.Plate); err == nil {
		partyID, channel = veh.OwnerID, veh.Channel
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("vehicle lookup: %w", err)
	}

	req := &data.ApprovalRequest{
		VisitID: v.ID,
		PartyID: partyID,
		Channel: channel,
		Status:  data.ApprovalPending,
		SentAt:  time.Now().UTC(),
	}
	if err := w.approvals.Create(ctx, req); err != nil {
		if data.IsPendingApprovalConflict(err) {
			// Lost a race against a concurrent request for the same visit.
			// One pending request exists either way, so treat as the no-op.
			return nil
		}
		return fmt.Errorf("approval create: %w", err)
	}

	err := w.audits.Append(ctx, audit.Record{
		Action:      audit.ActionApprovalRequested,
		Actor:       audit.ActorSystem,
		SubjectType: "approval_request",
		SubjectID:   req.ID.String(),
		Detail: audit.Detail(map[string]any{
			"visit_id": v.ID, "party_id": partyID, "channel": channel,
		}),
	})
	if err != nil {
		return err
	}

	// The send leaves the request path entirely: a slow or failing provider
	// can never block or roll back the admission that triggered it.
	go w.dispatch(req, v)
	return nil
}

func (w *Workflow) dispatch(req *data.ApprovalRequest, v *data.Visit) {
	summary := fmt.Sprintf("Vehicle %s is at the gate awaiting your approval (visit %s).", v.Plate, shortID(v.ID))
	err := w.notifier.Send(NotificationRequest{
		ApprovalID:  req.ID.String(),
		PartyID:     req.PartyID,
		Channel:     req.Channel,
		Summary:     summary,
		CallbackRef: fmt.Sprintf("%s/api/approvals/callback", w.callbackBase),
	})
	if err != nil {
		// Reported, not propagated: the visit stays AWAITING_APPROVAL and
		// staff can resend or override manually.
		metrics.NotifySendFailures.Inc()
		log.Printf("[ERROR] approval: notification for request %s undeliverable: %v", req.ID, err)
	}
}

// HandleCallback resolves an approval exactly once and drives the lifecycle
// transition. Duplicate callbacks with the same outcome are a no-op success;
// an unknown id or a conflicting outcome is ErrUnknownOrResolved.
func (w *Workflow) HandleCallback(ctx context.Context, cb Callback) (*data.Visit, error) {
	if cb.Status != data.ApprovalApproved && cb.Status != data.ApprovalRejected {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, cb.Status)
	}

	resolved, err := w.approvals.Resolve(ctx, cb.ApprovalID, cb.Status, cb.Payload)
	if err != nil {
		return nil, fmt.Errorf("approval resolve: %w", err)
	}
	if !resolved {
		req, err := w.approvals.GetByID(ctx, cb.ApprovalID)
		if err != nil {
			if errors.Is(err, data.ErrRecordNotFound) {
				return nil, ErrUnknownOrResolved
			}
			return nil, fmt.Errorf("approval lookup: %w", err)
		}
		if req.Status == cb.Status {
			// At-least-once redelivery of a callback we already applied.
			return nil, nil
		}
		return nil, ErrUnknownOrResolved
	}

	req, err := w.approvals.GetByID(ctx, cb.ApprovalID)
	if err != nil {
		return nil, fmt.Errorf("approval reread: %w", err)
	}
	metrics.ApprovalRoundTrip.Observe(time.Since(req.SentAt).Seconds())

	to := lifecycle.StateInService
	if cb.Status == data.ApprovalRejected {
		to = lifecycle.StateFlagged
	}
	return w.lifecycle.TransitionAs(ctx, req.VisitID, to, req.PartyID, cb.Origin,
		audit.ActionApprovalResolved, map[string]any{
			"approval_id": req.ID, "status": cb.Status,
		})
}

func shortID(id uuid.UUID) string {
	s := id.String()
	if len(s) >= 8 {
		return s[:8]
	}
	return s
}
