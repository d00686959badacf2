package models

import (
	"math"
	"strings"
)

// Direction labels
const (
	DirectionNorthbound    = "Northbound"
	DirectionSouthbound    = "Southbound"
	DirectionBidirectional = "bidirectional"
)

// PositionFix 车辆最新位置（Position Store 中的值，也是快照表的一行）
type PositionFix struct {
	TrackerID          string  `json:"trackerImei"`
	BusID              string  `json:"busId,omitempty"`
	BusNumber          string  `json:"busNumber,omitempty"`
	BusCompany         string  `json:"busCompany,omitempty"`
	BusDriverID        string  `json:"busDriverId,omitempty"`
	BusDriver          string  `json:"busDriver,omitempty"`
	Lat                float64 `json:"lat"`
	Lon                float64 `json:"lon"`
	SpeedKmh           float64 `json:"speedKmh"`
	HeadingDegrees     float64 `json:"headingDegrees"`
	HeadingCardinal    string  `json:"headingCardinal,omitempty"`
	TripDirection      *string `json:"tripDirection"`
	BusStopIndex       *int    `json:"busStopIndex"`
	Timestamp          string  `json:"timestamp"`
	LastSavedTimestamp int64   `json:"lastSavedTimestamp"`
}

// Direction 返回方向（未设置时为空字符串）
func (f *PositionFix) Direction() string {
	if f == nil || f.TripDirection == nil {
		return ""
	}
	return *f.TripDirection
}

// SetDirection 设置方向，空字符串表示清除
func (f *PositionFix) SetDirection(d string) {
	if d == "" {
		f.TripDirection = nil
		return
	}
	f.TripDirection = &d
}

// SetIndex 设置站点进度索引
func (f *PositionFix) SetIndex(i int) {
	f.BusStopIndex = &i
}

// Clone 深拷贝，避免共享指针字段
func (f *PositionFix) Clone() *PositionFix {
	if f == nil {
		return nil
	}
	c := *f
	if f.TripDirection != nil {
		d := *f.TripDirection
		c.TripDirection = &d
	}
	if f.BusStopIndex != nil {
		i := *f.BusStopIndex
		c.BusStopIndex = &i
	}
	return &c
}

var cardinals = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// HeadingCardinal 将航向角转换为八方位标签
func HeadingCardinal(degrees float64) string {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	return cardinals[int(math.Floor((d+22.5)/45))%8]
}

// OppositeDirection 南北向互换；其它方向标签保持不变
func OppositeDirection(direction string) string {
	switch {
	case strings.EqualFold(direction, DirectionNorthbound):
		return DirectionSouthbound
	case strings.EqualFold(direction, DirectionSouthbound):
		return DirectionNorthbound
	default:
		return direction
	}
}
