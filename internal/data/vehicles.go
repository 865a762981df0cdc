package data

import (
	"context"
	"database/sql"
	"time"
)

// RegisteredVehicle links a plate to the client it belongs to. Plates with no
// row here are admissible but surface an unknown_plate finding, and their
// visits cannot be routed for client approval.
type RegisteredVehicle struct {
	Plate     string    `json:"plate"` // normalized
	OwnerID   string    `json:"owner_id"`
	OwnerName string    `json:"owner_name"`
	Channel   string    `json:"channel"` // preferred approval channel
	CreatedAt time.Time `json:"created_at"`
}

type VehicleModel struct {
	DB DBTX
}

func (m VehicleModel) GetByPlate(ctx context.Context, plate string) (*RegisteredVehicle, error) {
	query := `
		SELECT plate, owner_id, owner_name, channel, created_at
		FROM registered_vehicles
		WHERE plate = $1`

	var v RegisteredVehicle
	err := m.DB.QueryRowContext(ctx, query, plate).Scan(
		&v.Plate, &v.OwnerID, &v.OwnerName, &v.Channel, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
