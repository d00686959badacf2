package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// FullRouteRepository 线路几何仓库（full_routes）
type FullRouteRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFullRouteRepository 创建线路几何仓库
func NewFullRouteRepository(db *sql.DB, logger *zap.Logger) *FullRouteRepository {
	return &FullRouteRepository{
		db:     db,
		logger: logger,
	}
}

const fullRouteColumns = `
		f.id,
		f.company_id,
		f.route_id,
		f.name,
		COALESCE(f.direction, ''),
		f.coordinates_json,
		COALESCE(f.cumulative_distances_json, ''),
		f.updated_at
	FROM full_routes f`

// FindByRouteAndDirection 根据线路ID与方向查询几何（方向大小写不敏感）
func (r *FullRouteRepository) FindByRouteAndDirection(ctx context.Context, routeID int64, direction string) (*models.FullRoute, error) {
	query := `SELECT` + fullRouteColumns + `
	WHERE f.route_id = $1 AND LOWER(f.direction) = LOWER($2)
	ORDER BY f.id
	LIMIT 1`

	row := r.db.QueryRowContext(ctx, query, routeID, direction)
	fr, err := scanFullRoute(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("full route %d/%s: %w", routeID, direction, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query full route: %w", err)
	}
	return fr, nil
}

// ListAll 查询全部线路几何
func (r *FullRouteRepository) ListAll(ctx context.Context) ([]*models.FullRoute, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+fullRouteColumns+` ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query full routes: %w", err)
	}
	defer rows.Close()

	var out []*models.FullRoute
	for rows.Next() {
		fr, err := scanFullRoute(rows.Scan)
		if err != nil {
			// 单条坏数据不影响其它线路
			r.logger.Warn("Skipping unreadable full route", zap.Error(err))
			continue
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate full routes: %w", err)
	}
	return out, nil
}

// UpdateCumulativeDistances 回写累计距离
func (r *FullRouteRepository) UpdateCumulativeDistances(ctx context.Context, id int64, distances []float64) error {
	b, err := json.Marshal(distances)
	if err != nil {
		return fmt.Errorf("failed to marshal cumulative distances: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE full_routes SET cumulative_distances_json = $1, updated_at = NOW() WHERE id = $2`,
		string(b), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update cumulative distances: %w", err)
	}
	return nil
}

func scanFullRoute(scan func(dest ...interface{}) error) (*models.FullRoute, error) {
	fr := &models.FullRoute{}
	var coordsJSON, distJSON string
	if err := scan(
		&fr.ID,
		&fr.CompanyID,
		&fr.RouteID,
		&fr.Name,
		&fr.Direction,
		&coordsJSON,
		&distJSON,
		&fr.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if coordsJSON != "" {
		if err := json.Unmarshal([]byte(coordsJSON), &fr.Coordinates); err != nil {
			return nil, fmt.Errorf("failed to parse coordinates of full route %d: %w", fr.ID, err)
		}
	}
	if distJSON != "" {
		// 累计距离损坏时视为缺失，由调用方重算
		if err := json.Unmarshal([]byte(distJSON), &fr.CumulativeDistances); err != nil {
			fr.CumulativeDistances = nil
		}
	}
	return fr, nil
}
