package inference

import (
	"strings"

	"bustrack/internal/geometry"
	"bustrack/internal/models"
)

// StopIndexFor 站点在指定方向上的索引；双向站点使用各自方向的索引
func StopIndexFor(stop models.RouteStop, direction string) (int, bool) {
	if strings.EqualFold(stop.Direction, models.DirectionBidirectional) {
		switch {
		case strings.EqualFold(direction, models.DirectionNorthbound) && stop.NorthboundIndex != nil:
			return *stop.NorthboundIndex, true
		case strings.EqualFold(direction, models.DirectionSouthbound) && stop.SouthboundIndex != nil:
			return *stop.SouthboundIndex, true
		}
		return 0, false
	}
	if strings.EqualFold(stop.Direction, direction) && stop.BusStopIndex != nil {
		return *stop.BusStopIndex, true
	}
	return 0, false
}

type indexedStop struct {
	stop  models.RouteStop
	index int
}

func stopsInDirection(route *models.Route, direction string) []indexedStop {
	if route == nil || direction == "" {
		return nil
	}
	var out []indexedStop
	for _, s := range route.Stops {
		if idx, ok := StopIndexFor(s, direction); ok {
			out = append(out, indexedStop{stop: s, index: idx})
		}
	}
	return out
}

// TotalStops 线路在指定方向上的站点数
func TotalStops(route *models.Route, direction string) int {
	return len(stopsInDirection(route, direction))
}

// terminals 指定方向的首末站（按索引）
func terminals(route *models.Route, direction string) (first, last *models.RouteStop) {
	stops := stopsInDirection(route, direction)
	if len(stops) == 0 {
		return nil, nil
	}
	minI, maxI := 0, 0
	for i, s := range stops {
		if s.index < stops[minI].index {
			minI = i
		}
		if s.index > stops[maxI].index {
			maxI = i
		}
	}
	return &stops[minI].stop, &stops[maxI].stop
}

// NearestStop 半径内距离最近的本方向站点
func NearestStop(route *models.Route, direction string, lat, lon, radiusMeters float64) (models.RouteStop, int, bool) {
	var (
		best     models.RouteStop
		bestIdx  int
		bestDist = radiusMeters
		found    bool
	)
	for _, s := range stopsInDirection(route, direction) {
		d := geometry.Haversine(lat, lon, s.stop.Latitude, s.stop.Longitude)
		if d <= bestDist {
			best, bestIdx, bestDist, found = s.stop, s.index, d, true
		}
	}
	return best, bestIdx, found
}

func isNear(stop *models.RouteStop, lat, lon, radiusMeters float64) bool {
	if stop == nil {
		return false
	}
	return geometry.Haversine(lat, lon, stop.Latitude, stop.Longitude) <= radiusMeters
}
