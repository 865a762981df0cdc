package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Alert states.
const (
	AlertOpen   = "open"
	AlertClosed = "closed"
)

// Alert is a persisted finding: either a warning attached to a visit at
// admission time, or an open/close device outage condition.
type Alert struct {
	ID        uuid.UUID  `json:"id"`
	VisitID   *uuid.UUID `json:"visit_id,omitempty"`
	DeviceID  *string    `json:"device_id,omitempty"`
	Kind      string     `json:"kind"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type AlertModel struct {
	DB DBTX
}

func (m AlertModel) Create(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (visit_id, device_id, kind, severity, message, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query,
		a.VisitID, a.DeviceID, a.Kind, a.Severity, a.Message, a.State,
	).Scan(&a.ID, &a.CreatedAt)
}

func (m AlertModel) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Alert, error) {
	query := `
		SELECT id, visit_id, device_id, kind, severity, message, state, created_at, closed_at
		FROM alerts
		WHERE visit_id = $1
		ORDER BY created_at`

	rows, err := m.DB.QueryContext(ctx, query, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return m.collect(rows)
}

func (m AlertModel) List(ctx context.Context, state string, limit, offset int) ([]*Alert, error) {
	query := `
		SELECT id, visit_id, device_id, kind, severity, message, state, created_at, closed_at
		FROM alerts
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := m.DB.QueryContext(ctx, query, state, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return m.collect(rows)
}

// GetOpenByDevice returns the open alert of the given kind for a device, or
// ErrRecordNotFound. Used by the monitor for per-outage dedupe.
func (m AlertModel) GetOpenByDevice(ctx context.Context, deviceID, kind string) (*Alert, error) {
	query := `
		SELECT id, visit_id, device_id, kind, severity, message, state, created_at, closed_at
		FROM alerts
		WHERE device_id = $1 AND kind = $2 AND state = 'open'
		LIMIT 1`

	rows, err := m.DB.QueryContext(ctx, query, deviceID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, err := m.collect(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, ErrRecordNotFound
	}
	return alerts[0], nil
}

func (m AlertModel) Close(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE alerts SET state = 'closed', closed_at = NOW() WHERE id = $1 AND state = 'open'`, id,
	)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (m AlertModel) collect(rows *sql.Rows) ([]*Alert, error) {
	var out []*Alert
	for rows.Next() {
		var a Alert
		var visitID uuid.NullUUID
		var deviceID sql.NullString
		var closedAt sql.NullTime

		err := rows.Scan(&a.ID, &visitID, &deviceID, &a.Kind, &a.Severity, &a.Message,
			&a.State, &a.CreatedAt, &closedAt)
		if err != nil {
			return nil, err
		}
		if visitID.Valid {
			a.VisitID = &visitID.UUID
		}
		if deviceID.Valid {
			a.DeviceID = &deviceID.String
		}
		if closedAt.Valid {
			a.ClosedAt = &closedAt.Time
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
