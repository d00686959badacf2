package models

// ClientSubscription 智能选车订阅（客户端位置 + 当前选中的车辆）
type ClientSubscription struct {
	SessionID    string  `json:"sessionId"`
	BusNumber    string  `json:"busNumber"`
	Direction    string  `json:"direction"`
	ClientLat    float64 `json:"clientLat"`
	ClientLon    float64 `json:"clientLon"`
	ClientIndex  int     `json:"clientBusStopIndex"`
	BusID        string  `json:"busId"`
	OperatorName string  `json:"operatorName,omitempty"`
}
