package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Approval request statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ApprovalRequest is one asynchronous confirmation round-trip for a visit.
// A visit has at most one pending request at a time; a request is resolved
// exactly once.
type ApprovalRequest struct {
	ID              uuid.UUID       `json:"id"`
	VisitID         uuid.UUID       `json:"visit_id"`
	PartyID         string          `json:"party_id"`
	Channel         string          `json:"channel"` // sms | whatsapp | web
	Status          string          `json:"status"`
	SentAt          time.Time       `json:"sent_at"`
	RespondedAt     *time.Time      `json:"responded_at,omitempty"`
	ProviderPayload json.RawMessage `json:"provider_payload,omitempty"`
}

type ApprovalModel struct {
	DB DBTX
}

func (m ApprovalModel) Create(ctx context.Context, a *ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (visit_id, party_id, channel, status, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return m.DB.QueryRowContext(ctx, query,
		a.VisitID, a.PartyID, a.Channel, a.Status, a.SentAt,
	).Scan(&a.ID)
}

// IsPendingApprovalConflict reports whether err is the unique violation raised
// by the idx_approvals_one_pending index, i.e. another pending request for the
// same visit won a concurrent insert race.
func IsPendingApprovalConflict(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505" && pqErr.Constraint == "idx_approvals_one_pending"
	}
	return false
}

func (m ApprovalModel) GetByID(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error) {
	query := `
		SELECT id, visit_id, party_id, channel, status, sent_at, responded_at, provider_payload
		FROM approval_requests
		WHERE id = $1`

	return m.scan(m.DB.QueryRowContext(ctx, query, id))
}

func (m ApprovalModel) GetPendingByVisit(ctx context.Context, visitID uuid.UUID) (*ApprovalRequest, error) {
	query := `
		SELECT id, visit_id, party_id, channel, status, sent_at, responded_at, provider_payload
		FROM approval_requests
		WHERE visit_id = $1 AND status = 'pending'`

	return m.scan(m.DB.QueryRowContext(ctx, query, visitID))
}

// Resolve flips a pending request to its final status. The status guard makes
// resolution single-shot: under concurrent duplicate callbacks exactly one
// caller observes true.
func (m ApprovalModel) Resolve(ctx context.Context, id uuid.UUID, status string, payload []byte) (bool, error) {
	query := `
		UPDATE approval_requests
		SET status = $1, responded_at = NOW(), provider_payload = $2
		WHERE id = $3 AND status = 'pending'`

	res, err := m.DB.ExecContext(ctx, query, status, payload, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m ApprovalModel) scan(row *sql.Row) (*ApprovalRequest, error) {
	var a ApprovalRequest
	var respondedAt sql.NullTime
	var payload []byte

	err := row.Scan(&a.ID, &a.VisitID, &a.PartyID, &a.Channel, &a.Status, &a.SentAt, &respondedAt, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if respondedAt.Valid {
		a.RespondedAt = &respondedAt.Time
	}
	if len(payload) > 0 {
		a.ProviderPayload = payload
	}
	return &a, nil
}
