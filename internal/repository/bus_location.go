package repository

import (
	"context"
	"database/sql"
	"fmt"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// BusLocationRepository 位置快照仓库（bus_locations，只追加）
type BusLocationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBusLocationRepository 创建快照仓库
func NewBusLocationRepository(db *sql.DB, logger *zap.Logger) *BusLocationRepository {
	return &BusLocationRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 追加一条位置快照
func (r *BusLocationRepository) Insert(ctx context.Context, fix *models.PositionFix) error {
	var direction sql.NullString
	if fix.TripDirection != nil {
		direction = sql.NullString{String: *fix.TripDirection, Valid: true}
	}
	var index sql.NullInt64
	if fix.BusStopIndex != nil {
		index = sql.NullInt64{Int64: int64(*fix.BusStopIndex), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bus_locations (
			bus_id, tracker_imei, timestamp, lat, lon, speed_kmh,
			heading_degrees, heading_cardinal, trip_direction, bus_number,
			bus_driver_id, bus_driver, bus_company, bus_stop_index, last_saved_timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		fix.BusID,
		fix.TrackerID,
		fix.Timestamp,
		fix.Lat,
		fix.Lon,
		fix.SpeedKmh,
		fix.HeadingDegrees,
		fix.HeadingCardinal,
		direction,
		fix.BusNumber,
		fix.BusDriverID,
		fix.BusDriver,
		fix.BusCompany,
		index,
		fix.LastSavedTimestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bus location: %w", err)
	}
	return nil
}
