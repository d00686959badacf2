package inference

import (
	"bustrack/internal/models"
	"bustrack/internal/rules"

	"go.uber.org/zap"
)

// Context 一次推断的输入；不持久化，每次摄入时重建
type Context struct {
	Current  *models.PositionFix
	Previous *models.PositionFix // 设备首个定位时为 nil
	Route    *models.Route
	Operator string
	Toggles  rules.Toggles
}

// Rule applied by an inference pass
const (
	AppliedNone         = ""
	AppliedColdStart    = "cold-start"
	AppliedTerminalFlip = "terminal-flip"
	AppliedStrategy     = "strategy"
	AppliedRouteDefault = "route-default"
)

// Outcome 推断结果（用于日志与测试）
type Outcome struct {
	Applied      string
	Strategy     string
	IndexUpdated bool
}

// Engine 方向推断引擎：全局规则 → 运营商策略 → 站点索引
type Engine struct {
	registry        *Registry
	proximityMeters float64
	logger          *zap.Logger
}

// NewEngine 创建推断引擎
func NewEngine(registry *Registry, proximityMeters float64, logger *zap.Logger) *Engine {
	if proximityMeters <= 0 {
		proximityMeters = DefaultProximityMeters
	}
	return &Engine{
		registry:        registry,
		proximityMeters: proximityMeters,
		logger:          logger,
	}
}

// Registry 返回策略注册表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Infer 就地更新 c.Current 的方向与站点索引
// 线路缺失时不做任何修改
func (e *Engine) Infer(c *Context) Outcome {
	var out Outcome
	if c == nil || c.Current == nil || c.Route == nil {
		return out
	}
	fix := c.Current
	strategy := e.registry.Lookup(c.Operator)
	out.Strategy = strategy.Name()

	switch {
	case e.coldStart(c):
		fix.SetDirection(models.DirectionSouthbound)
		out.Applied = AppliedColdStart
		e.logger.Debug("Cold start, assigning initial direction",
			zap.String("tracker_id", fix.TrackerID),
			zap.String("direction", models.DirectionSouthbound),
		)
	case e.atTerminalIndex(c):
		from := fix.Direction()
		fix.SetDirection(models.OppositeDirection(from))
		fix.SetIndex(0)
		out.Applied = AppliedTerminalFlip
		e.logger.Debug("Reached terminal index, flipping direction",
			zap.String("tracker_id", fix.TrackerID),
			zap.String("from", from),
			zap.String("to", fix.Direction()),
		)
	default:
		if d := strategy.InferDirection(c); d != "" {
			if d != fix.Direction() {
				out.Applied = AppliedStrategy
				// 新方向从首站重新计数
				fix.SetIndex(0)
			}
			fix.SetDirection(d)
		}
	}

	if fix.TripDirection == nil && c.Previous == nil && c.Route.Direction != "" {
		fix.SetDirection(c.Route.Direction)
		out.Applied = AppliedRouteDefault
	}

	if direction := fix.Direction(); direction != "" {
		if _, idx, ok := NearestStop(c.Route, direction, fix.Lat, fix.Lon, e.proximityMeters); ok {
			fix.SetIndex(idx)
			out.IndexUpdated = true
		}
	}

	return out
}

// coldStart 首次定位：无历史、无方向、索引为空或 0
func (e *Engine) coldStart(c *Context) bool {
	if !c.Toggles.FirstFixSouthbound || c.Previous != nil || c.Current.TripDirection != nil {
		return false
	}
	idx := c.Current.BusStopIndex
	return idx == nil || *idx == 0
}

// atTerminalIndex 终点掉头：索引等于本方向站点总数
func (e *Engine) atTerminalIndex(c *Context) bool {
	if !c.Toggles.AutoFlipAtTerminal {
		return false
	}
	direction := c.Current.Direction()
	if direction == "" || c.Current.BusStopIndex == nil {
		return false
	}
	total := TotalStops(c.Route, direction)
	return total > 0 && *c.Current.BusStopIndex == total
}
