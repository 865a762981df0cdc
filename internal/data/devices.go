package data

import (
	"context"
	"database/sql"
	"time"
)

// Device health statuses.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is a registered sensing device (ANPR camera or gate sensor).
// The ID is externally assigned (e.g. "GATE1") and unique.
type Device struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"` // argon2id encoded hash of the API key
	Status     string     `json:"status"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type DeviceModel struct {
	DB DBTX
}

func (m DeviceModel) Create(ctx context.Context, d *Device) error {
	query := `
		INSERT INTO devices (id, name, key_hash, status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return m.DB.QueryRowContext(ctx, query,
		d.ID, d.Name, d.KeyHash, d.Status, d.LastSeenAt,
	).Scan(&d.CreatedAt)
}

func (m DeviceModel) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, name, key_hash, status, last_seen_at, created_at, deleted_at
		FROM devices
		WHERE id = $1 AND deleted_at IS NULL`

	var d Device
	var deletedAt sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.KeyHash, &d.Status, &d.LastSeenAt, &d.CreatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		d.DeletedAt = &deletedAt.Time
	}
	return &d, nil
}

func (m DeviceModel) ListActive(ctx context.Context) ([]*Device, error) {
	query := `
		SELECT id, name, key_hash, status, last_seen_at, created_at
		FROM devices
		WHERE deleted_at IS NULL
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.KeyHash, &d.Status, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Touch records a heartbeat: status and last-seen in one write.
func (m DeviceModel) Touch(ctx context.Context, id, status string, lastSeen time.Time) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE devices SET status = $1, last_seen_at = $2 WHERE id = $3 AND deleted_at IS NULL`,
		status, lastSeen, id,
	)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

// SetStatus is used by the health monitor only; heartbeats go through Touch.
func (m DeviceModel) SetStatus(ctx context.Context, id, status string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE devices SET status = $1 WHERE id = $2 AND deleted_at IS NULL`,
		status, id,
	)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (m DeviceModel) SoftDelete(ctx context.Context, id string) error {
	res, err := m.DB.ExecContext(ctx,
		`UPDATE devices SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id,
	)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
