// Package geometry implements linear referencing over stored route polylines:
// haversine lengths, cumulative distances, snap-to-path and distance along a route.
package geometry

import (
	"math"

	"bustrack/internal/models"
)

// EarthRadiusMeters 地球平均半径
const EarthRadiusMeters = 6371000.0

// Haversine 两点间大圆距离（米）
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// CumulativeDistances 逐段累加折线长度；首元素恒为 0
func CumulativeDistances(polyline []models.LatLon) []float64 {
	out := make([]float64, len(polyline))
	for i := 1; i < len(polyline); i++ {
		prev, curr := polyline[i-1], polyline[i]
		out[i] = out[i-1] + Haversine(prev.Lat, prev.Lon, curr.Lat, curr.Lon)
	}
	return out
}

// SnapResult 吸附结果
type SnapResult struct {
	SegmentIndex         int     `json:"segmentIndex"`
	InterpolatedDistance float64 `json:"interpolatedDistance"`
	SnappedLat           float64 `json:"snappedLat"`
	SnappedLon           float64 `json:"snappedLon"`
	ProjectionDistance   float64 `json:"projectionDistance"`
}

// SnapToPath 将点投影到折线上距离最近的线段
// 折线为空或与累计距离长度不一致时返回 false
func SnapToPath(lat, lon float64, polyline []models.LatLon, cumulative []float64) (SnapResult, bool) {
	if len(polyline) == 0 || len(polyline) != len(cumulative) {
		return SnapResult{}, false
	}
	if len(polyline) == 1 {
		v := polyline[0]
		return SnapResult{
			SegmentIndex:         0,
			InterpolatedDistance: cumulative[0],
			SnappedLat:           v.Lat,
			SnappedLon:           v.Lon,
			ProjectionDistance:   Haversine(lat, lon, v.Lat, v.Lon),
		}, true
	}

	best := SnapResult{ProjectionDistance: math.Inf(1)}
	for i := 0; i < len(polyline)-1; i++ {
		a, b := polyline[i], polyline[i+1]
		t := projectionParameter(lat, lon, a, b)
		pLat := a.Lat + t*(b.Lat-a.Lat)
		pLon := a.Lon + t*(b.Lon-a.Lon)
		d := Haversine(lat, lon, pLat, pLon)
		if d < best.ProjectionDistance {
			best = SnapResult{
				SegmentIndex:         i,
				InterpolatedDistance: cumulative[i] + t*(cumulative[i+1]-cumulative[i]),
				SnappedLat:           pLat,
				SnappedLon:           pLon,
				ProjectionDistance:   d,
			}
		}
	}
	return best, true
}

// projectionParameter 在经纬度平面上的投影参数，截断到 [0,1]；零长度线段返回 0
func projectionParameter(lat, lon float64, a, b models.LatLon) float64 {
	dLat := b.Lat - a.Lat
	dLon := b.Lon - a.Lon
	lenSq := dLat*dLat + dLon*dLon
	if lenSq == 0 {
		return 0
	}
	t := ((lat-a.Lat)*dLat + (lon-a.Lon)*dLon) / lenSq
	return math.Max(0, math.Min(1, t))
}
