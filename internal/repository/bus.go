package repository

import (
	"context"
	"database/sql"
	"fmt"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// BusRepository 车辆登记仓库（buses / bus_companies）
type BusRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewBusRepository 创建车辆仓库
func NewBusRepository(db *sql.DB, logger *zap.Logger) *BusRepository {
	return &BusRepository{
		db:     db,
		logger: logger,
	}
}

const busColumns = `
		b.bus_id,
		b.tracker_imei,
		COALESCE(b.bus_number, ''),
		b.bus_company_id,
		COALESCE(c.name, b.bus_company_name, ''),
		COALESCE(b.driver_id, ''),
		COALESCE(b.driver_name, ''),
		b.operational_status
	FROM buses b
	LEFT JOIN bus_companies c ON c.id = b.bus_company_id`

// FindByTrackerID 根据 tracker 标识查询车辆
func (r *BusRepository) FindByTrackerID(ctx context.Context, trackerID string) (*models.Bus, error) {
	query := `SELECT` + busColumns + `
	WHERE b.tracker_imei = $1
	LIMIT 1`
	return r.queryOne(ctx, query, trackerID)
}

// FindByID 根据车辆ID查询
func (r *BusRepository) FindByID(ctx context.Context, busID string) (*models.Bus, error) {
	query := `SELECT` + busColumns + `
	WHERE b.bus_id = $1
	LIMIT 1`
	return r.queryOne(ctx, query, busID)
}

func (r *BusRepository) queryOne(ctx context.Context, query string, arg string) (*models.Bus, error) {
	bus := &models.Bus{}
	var companyID sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&bus.BusID,
		&bus.TrackerID,
		&bus.BusNumber,
		&companyID,
		&bus.CompanyName,
		&bus.DriverID,
		&bus.DriverName,
		&bus.OperationalStatus,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("bus %s: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query bus: %w", err)
	}
	if companyID.Valid {
		id := companyID.Int64
		bus.CompanyID = &id
	}
	return bus, nil
}

// UpdateOperationalStatus 更新运营状态
func (r *BusRepository) UpdateOperationalStatus(ctx context.Context, busID, status string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE buses SET operational_status = $1, updated_at = NOW() WHERE bus_id = $2`,
		status, busID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bus status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update bus status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("bus %s: %w", busID, ErrNotFound)
	}
	return nil
}
