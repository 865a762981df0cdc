package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("record not found")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// VisitRepository is the persistence contract for visits.
type VisitRepository interface {
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	GetOpenByPlate(ctx context.Context, plate string) (*Visit, error)
	CountOpen(ctx context.Context) (int, error)
	UpdateStateIf(ctx context.Context, id uuid.UUID, from, to string, exitAt *time.Time) (bool, error)
	List(ctx context.Context, f VisitFilter, limit, offset int) ([]*Visit, error)
}

// ApprovalRepository is the persistence contract for approval requests.
type ApprovalRepository interface {
	Create(ctx context.Context, a *ApprovalRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error)
	GetPendingByVisit(ctx context.Context, visitID uuid.UUID) (*ApprovalRequest, error)
	Resolve(ctx context.Context, id uuid.UUID, status string, payload []byte) (bool, error)
}

// DeviceRepository is the persistence contract for sensing devices.
type DeviceRepository interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id string) (*Device, error)
	ListActive(ctx context.Context) ([]*Device, error)
	Touch(ctx context.Context, id, status string, lastSeen time.Time) error
	SetStatus(ctx context.Context, id, status string) error
	SoftDelete(ctx context.Context, id string) error
}

// AlertRepository is the persistence contract for alerts.
type AlertRepository interface {
	Create(ctx context.Context, a *Alert) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Alert, error)
	List(ctx context.Context, state string, limit, offset int) ([]*Alert, error)
	GetOpenByDevice(ctx context.Context, deviceID, kind string) (*Alert, error)
	Close(ctx context.Context, id uuid.UUID) error
}

// VehicleRepository resolves registered plates to their owners.
type VehicleRepository interface {
	GetByPlate(ctx context.Context, plate string) (*RegisteredVehicle, error)
}
