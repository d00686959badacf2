package models

import "time"

// Bus operational status values
const (
	StatusActive      = "active"
	StatusInactive    = "inactive"
	StatusMaintenance = "maintenance"
	StatusRetired     = "retired"
)

// Bus 车辆登记信息（buses 表）
type Bus struct {
	BusID             string
	TrackerID         string
	BusNumber         string
	CompanyID         *int64
	CompanyName       string
	DriverID          string
	DriverName        string
	OperationalStatus string
}

// Route 线路定义（routes 表 + route_stops 表）
type Route struct {
	ID        int64
	Company   string
	BusNumber string
	RouteName string
	Active    bool
	Direction string // 默认方向，可为空
	Stops     []RouteStop
}

// RouteStop 线路站点
// 双向站点（Direction == "bidirectional"）分别携带南北向索引
type RouteStop struct {
	ID              int64
	Latitude        float64
	Longitude       float64
	Address         string
	BusStopIndex    *int
	Direction       string
	Type            string
	NorthboundIndex *int
	SouthboundIndex *int
}

// LatLon 坐标点
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// FullRoute 线路几何（full_routes 表）
type FullRoute struct {
	ID                  int64
	CompanyID           int64
	RouteID             int64
	Name                string
	Direction           string
	Coordinates         []LatLon
	CumulativeDistances []float64
	UpdatedAt           time.Time
}

// CompanyRule 运营商规则开关（company_rules 表）
type CompanyRule struct {
	CompanyID int64  `json:"companyId"`
	RuleKey   string `json:"ruleKey"`
	RuleValue string `json:"ruleValue"`
	Enabled   bool   `json:"enabled"`
}
