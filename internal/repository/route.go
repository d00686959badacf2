package repository

import (
	"context"
	"database/sql"
	"fmt"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// RouteRepository 线路与站点仓库（routes / route_stops）
type RouteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRouteRepository 创建线路仓库
func NewRouteRepository(db *sql.DB, logger *zap.Logger) *RouteRepository {
	return &RouteRepository{
		db:     db,
		logger: logger,
	}
}

const routeColumns = `
		r.id,
		COALESCE(r.company, ''),
		r.bus_number,
		COALESCE(r.route_name, ''),
		r.active,
		COALESCE(r.direction, '')
	FROM routes r`

// FindByCompanyAndBusNumber 根据运营商与线路号查询线路（含站点）
func (r *RouteRepository) FindByCompanyAndBusNumber(ctx context.Context, company, busNumber string) (*models.Route, error) {
	query := `SELECT` + routeColumns + `
	WHERE LOWER(r.company) = LOWER($1) AND r.bus_number = $2
	ORDER BY r.id
	LIMIT 1`
	return r.queryRoute(ctx, query, company, busNumber)
}

// FindByBusNumber 根据线路号查询第一条线路（含站点）
func (r *RouteRepository) FindByBusNumber(ctx context.Context, busNumber string) (*models.Route, error) {
	query := `SELECT` + routeColumns + `
	WHERE r.bus_number = $1
	ORDER BY r.id
	LIMIT 1`
	return r.queryRoute(ctx, query, busNumber)
}

func (r *RouteRepository) queryRoute(ctx context.Context, query string, args ...interface{}) (*models.Route, error) {
	route := &models.Route{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&route.ID,
		&route.Company,
		&route.BusNumber,
		&route.RouteName,
		&route.Active,
		&route.Direction,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("route %v: %w", args, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query route: %w", err)
	}

	stops, err := r.ListStops(ctx, route.ID)
	if err != nil {
		return nil, err
	}
	route.Stops = stops
	return route, nil
}

// ListStops 查询线路全部站点，按站点索引排序
func (r *RouteRepository) ListStops(ctx context.Context, routeID int64) ([]models.RouteStop, error) {
	query := `
		SELECT
			s.id,
			s.latitude,
			s.longitude,
			COALESCE(s.address, ''),
			s.bus_stop_index,
			COALESCE(s.direction, ''),
			COALESCE(s.type, ''),
			s.northbound_index,
			s.southbound_index
		FROM route_stops s
		WHERE s.route_id = $1
		ORDER BY s.bus_stop_index NULLS LAST, s.id
	`
	rows, err := r.db.QueryContext(ctx, query, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query route stops: %w", err)
	}
	defer rows.Close()

	var stops []models.RouteStop
	for rows.Next() {
		var s models.RouteStop
		var idx, nb, sb sql.NullInt64
		if err := rows.Scan(
			&s.ID,
			&s.Latitude,
			&s.Longitude,
			&s.Address,
			&idx,
			&s.Direction,
			&s.Type,
			&nb,
			&sb,
		); err != nil {
			return nil, fmt.Errorf("failed to scan route stop: %w", err)
		}
		s.BusStopIndex = nullIntPtr(idx)
		s.NorthboundIndex = nullIntPtr(nb)
		s.SouthboundIndex = nullIntPtr(sb)
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate route stops: %w", err)
	}
	return stops, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
