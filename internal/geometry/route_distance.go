package geometry

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bustrack/internal/models"
	"bustrack/internal/repository"

	"go.uber.org/zap"
)

// ErrNoGeometry 线路未配置几何或无法吸附
var ErrNoGeometry = errors.New("no route geometry")

// DefaultAverageSpeedKmh ETA 使用的平均车速
const DefaultAverageSpeedKmh = 30.0

// Source 线路几何来源
type Source interface {
	FindByRouteAndDirection(ctx context.Context, routeID int64, direction string) (*models.FullRoute, error)
	ListAll(ctx context.Context) ([]*models.FullRoute, error)
	UpdateCumulativeDistances(ctx context.Context, id int64, distances []float64) error
}

// DistanceResult 沿线距离结果
type DistanceResult struct {
	DistanceMeters         float64 `json:"distanceMeters"`
	DistanceKm             float64 `json:"distanceKm"`
	EtaMinutes             float64 `json:"etaMinutes"`
	BusSegmentIndex        int     `json:"busSegmentIndex"`
	UserSegmentIndex       int     `json:"userSegmentIndex"`
	BusProjectionDistance  float64 `json:"busProjectionDistance"`
	UserProjectionDistance float64 `json:"userProjectionDistance"`
}

// Engine 线路几何引擎
type Engine struct {
	source          Source
	averageSpeedKmh float64
	logger          *zap.Logger
}

// NewEngine 创建几何引擎；averageSpeedKmh <= 0 时使用 30 km/h
func NewEngine(source Source, averageSpeedKmh float64, logger *zap.Logger) *Engine {
	if averageSpeedKmh <= 0 {
		averageSpeedKmh = DefaultAverageSpeedKmh
	}
	return &Engine{
		source:          source,
		averageSpeedKmh: averageSpeedKmh,
		logger:          logger,
	}
}

// RouteDistance 两点沿线路实际路径的距离与 ETA
// 线路无几何或吸附失败时返回 ErrNoGeometry
func (e *Engine) RouteDistance(ctx context.Context, busLat, busLon, userLat, userLon float64, routeID int64, direction string) (*DistanceResult, error) {
	fr, err := e.source.FindByRouteAndDirection(ctx, routeID, direction)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoGeometry
		}
		return nil, fmt.Errorf("failed to load route geometry: %w", err)
	}

	cumulative := fr.CumulativeDistances
	if len(cumulative) == 0 || len(cumulative) != len(fr.Coordinates) {
		e.logger.Info("Cumulative distances missing, computing on the fly",
			zap.Int64("route_id", routeID),
			zap.String("direction", direction),
		)
		cumulative = CumulativeDistances(fr.Coordinates)
	}

	busSnap, ok := SnapToPath(busLat, busLon, fr.Coordinates, cumulative)
	if !ok {
		return nil, ErrNoGeometry
	}
	userSnap, ok := SnapToPath(userLat, userLon, fr.Coordinates, cumulative)
	if !ok {
		return nil, ErrNoGeometry
	}

	meters := math.Abs(userSnap.InterpolatedDistance - busSnap.InterpolatedDistance)
	km := meters / 1000
	return &DistanceResult{
		DistanceMeters:         meters,
		DistanceKm:             km,
		EtaMinutes:             km / e.averageSpeedKmh * 60,
		BusSegmentIndex:        busSnap.SegmentIndex,
		UserSegmentIndex:       userSnap.SegmentIndex,
		BusProjectionDistance:  busSnap.ProjectionDistance,
		UserProjectionDistance: userSnap.ProjectionDistance,
	}, nil
}

// BackfillCumulativeDistances 为缺失或长度不符的线路重算并回写累计距离
func (e *Engine) BackfillCumulativeDistances(ctx context.Context) (int, error) {
	routes, err := e.source.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, fr := range routes {
		if len(fr.Coordinates) == 0 || len(fr.CumulativeDistances) == len(fr.Coordinates) {
			continue
		}
		distances := CumulativeDistances(fr.Coordinates)
		if err := e.source.UpdateCumulativeDistances(ctx, fr.ID, distances); err != nil {
			e.logger.Error("Failed to backfill cumulative distances",
				zap.Int64("full_route_id", fr.ID),
				zap.Error(err),
			)
			continue
		}
		updated++
	}

	e.logger.Info("Cumulative distance backfill finished",
		zap.Int("routes", len(routes)),
		zap.Int("updated", updated),
	)
	return updated, nil
}
