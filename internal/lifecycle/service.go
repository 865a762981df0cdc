package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/metrics"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrNoActiveVisit     = errors.New("no active visit")
	ErrUnknownState      = errors.New("unknown state")
)

type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

// Hook runs after a committed transition. Hooks must be cheap; anything with
// external latency dispatches its own goroutine.
type Hook func(ctx context.Context, v *data.Visit, from, to State)

type Service struct {
	visits data.VisitRepository
	audits Auditor
	hooks  []Hook
}

func NewService(visits data.VisitRepository, audits Auditor) *Service {
	return &Service{visits: visits, audits: audits}
}

// OnTransition registers a hook. Called during wiring, before traffic.
func (s *Service) OnTransition(h Hook) {
	s.hooks = append(s.hooks, h)
}

// Transition moves a visit to a new state on behalf of an actor. Illegal
// requests fail with ErrIllegalTransition or ErrNoActiveVisit and are
// themselves audited as denied attempts.
func (s *Service) Transition(ctx context.Context, visitID uuid.UUID, to State, actor, origin string) (*data.Visit, error) {
	return s.TransitionAs(ctx, visitID, to, actor, origin, audit.ActionStateTransition, nil)
}

// TransitionAs is Transition with a caller-chosen audit action name and extra
// detail, so approval resolutions and exits appear in the trail under their
// own actions while still writing exactly one record per transition.
func (s *Service) TransitionAs(ctx context.Context, visitID uuid.UUID, to State, actor, origin, action string, detail map[string]any) (*data.Visit, error) {
	if !Valid(to) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, to)
	}

	v, err := s.visits.GetByID(ctx, visitID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrNoActiveVisit
		}
		return nil, err
	}

	from := State(v.State)
	if denied := s.checkLegal(from, to); denied != nil {
		if auditErr := s.auditDenied(ctx, v, from, to, actor, origin, denied); auditErr != nil {
			return nil, auditErr
		}
		return nil, denied
	}

	var exitAt *time.Time
	if to == StateExited {
		now := time.Now().UTC()
		exitAt = &now
	}

	ok, err := s.visits.UpdateStateIf(ctx, visitID, string(from), string(to), exitAt)
	if err != nil {
		return nil, fmt.Errorf("lifecycle update: %w", err)
	}
	if !ok {
		// Lost a race: someone moved the visit first. Re-read and judge the
		// request against the state that actually won.
		current, rerr := s.visits.GetByID(ctx, visitID)
		if rerr != nil {
			return nil, fmt.Errorf("lifecycle reread: %w", rerr)
		}
		from = State(current.State)
		denied := s.checkLegal(from, to)
		if denied == nil {
			denied = ErrIllegalTransition
		}
		if auditErr := s.auditDenied(ctx, current, from, to, actor, origin, denied); auditErr != nil {
			return nil, auditErr
		}
		return nil, denied
	}

	v.State = string(to)
	if exitAt != nil {
		v.ExitAt = exitAt
	}

	kv := map[string]any{"from": from, "to": to, "plate": v.Plate}
	for k, val := range detail {
		kv[k] = val
	}
	err = s.audits.Append(ctx, audit.Record{
		Action:      action,
		Actor:       actor,
		SubjectType: "visit",
		SubjectID:   visitID.String(),
		Origin:      origin,
		Detail:      audit.Detail(kv),
	})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(to), "applied").Inc()

	for _, h := range s.hooks {
		h(ctx, v, from, to)
	}
	return v, nil
}

func (s *Service) checkLegal(from, to State) error {
	if Terminal(from) {
		return ErrNoActiveVisit
	}
	if !Legal(from, to) {
		return ErrIllegalTransition
	}
	return nil
}

func (s *Service) auditDenied(ctx context.Context, v *data.Visit, from, to State, actor, origin string, cause error) error {
	metrics.TransitionsTotal.WithLabelValues(string(to), "denied").Inc()
	return s.audits.Append(ctx, audit.Record{
		Action:      audit.ActionTransitionDenied,
		Actor:       actor,
		SubjectType: "visit",
		SubjectID:   v.ID.String(),
		Origin:      origin,
		Detail: audit.Detail(map[string]any{
			"from": from, "to": to, "plate": v.Plate, "reason": cause.Error(),
		}),
	})
}
