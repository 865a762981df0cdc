package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Visit source values.
const (
	SourceSensor = "SENSOR"
	SourceManual = "MANUAL"
)

// Visit is one tracked vehicle stay from admission to exit/flag.
type Visit struct {
	ID         uuid.UUID  `json:"id"`
	Plate      string     `json:"plate"` // normalized
	RawPlate   string     `json:"raw_plate"`
	Confidence *int       `json:"confidence,omitempty"` // nil for manual entries
	Source     string     `json:"source"`
	State      string     `json:"state"`
	EntryAt    time.Time  `json:"entry_at"`
	ExitAt     *time.Time `json:"exit_at,omitempty"`
	DeviceID   *string    `json:"device_id,omitempty"`
	ImageURL   *string    `json:"image_url,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type VisitFilter struct {
	Plate    string
	State    string
	OpenOnly bool
}

type VisitModel struct {
	DB DBTX
}

// openStates is every non-terminal state. Kept in sync with the lifecycle
// transition table; the partial unique index in the schema uses the inverse.
var openStates = []string{"ENTERED", "AWAITING_APPROVAL", "IN_SERVICE", "READY_FOR_EXIT"}

func (m VisitModel) Create(ctx context.Context, v *Visit) error {
	query := `
		INSERT INTO visits (plate, raw_plate, confidence, source, state, entry_at, device_id, image_url, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		v.Plate, v.RawPlate, v.Confidence, v.Source, v.State, v.EntryAt,
		v.DeviceID, v.ImageURL, v.Notes,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
}

// IsOpenVisitConflict reports whether err is the unique violation raised by
// the idx_visits_one_open index, i.e. another open visit for the same plate
// won a concurrent insert race.
func IsOpenVisitConflict(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505" && pqErr.Constraint == "idx_visits_one_open"
	}
	return false
}

func (m VisitModel) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	query := `
		SELECT id, plate, raw_plate, confidence, source, state, entry_at, exit_at,
		       device_id, image_url, notes, created_at, updated_at
		FROM visits
		WHERE id = $1`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

// GetOpenByPlate returns the single non-terminal visit for a plate, if any.
func (m VisitModel) GetOpenByPlate(ctx context.Context, plate string) (*Visit, error) {
	query := `
		SELECT id, plate, raw_plate, confidence, source, state, entry_at, exit_at,
		       device_id, image_url, notes, created_at, updated_at
		FROM visits
		WHERE plate = $1 AND state = ANY($2)
		ORDER BY entry_at DESC
		LIMIT 1`

	return m.scanOne(m.DB.QueryRowContext(ctx, query, plate, pq.Array(openStates)))
}

func (m VisitModel) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visits WHERE state = ANY($1)`, pq.Array(openStates),
	).Scan(&n)
	return n, err
}

// UpdateStateIf applies a state transition only if the visit is still in the
// expected prior state. Returns false when the guard did not match, which the
// caller treats as a lost race or an illegal transition.
func (m VisitModel) UpdateStateIf(ctx context.Context, id uuid.UUID, from, to string, exitAt *time.Time) (bool, error) {
	query := `
		UPDATE visits
		SET state = $1, exit_at = COALESCE($2, exit_at), updated_at = NOW()
		WHERE id = $3 AND state = $4`

	res, err := m.DB.ExecContext(ctx, query, to, exitAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m VisitModel) List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, error) {
	query := `
		SELECT id, plate, raw_plate, confidence, source, state, entry_at, exit_at,
		       device_id, image_url, notes, created_at, updated_at
		FROM visits
		WHERE ($1 = '' OR plate = $1)
		  AND ($2 = '' OR state = $2)
		  AND (NOT $3 OR state = ANY($4))
		ORDER BY entry_at DESC
		LIMIT $5 OFFSET $6`

	rows, err := m.DB.QueryContext(ctx, query, f.Plate, f.State, f.OpenOnly, pq.Array(openStates), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Visit
	for rows.Next() {
		v, err := m.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m VisitModel) scanOne(row *sql.Row) (*Visit, error) {
	v, err := m.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return v, err
}

func (m VisitModel) scanRow(s rowScanner) (*Visit, error) {
	var v Visit
	var confidence sql.NullInt64
	var exitAt sql.NullTime
	var deviceID, imageURL, notes sql.NullString

	err := s.Scan(&v.ID, &v.Plate, &v.RawPlate, &confidence, &v.Source, &v.State,
		&v.EntryAt, &exitAt, &deviceID, &imageURL, &notes, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if confidence.Valid {
		c := int(confidence.Int64)
		v.Confidence = &c
	}
	if exitAt.Valid {
		v.ExitAt = &exitAt.Time
	}
	if deviceID.Valid {
		v.DeviceID = &deviceID.String
	}
	if imageURL.Valid {
		v.ImageURL = &imageURL.String
	}
	if notes.Valid {
		v.Notes = notes.String
	}
	return &v, nil
}
