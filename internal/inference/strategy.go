package inference

import (
	"strings"

	"bustrack/internal/models"
)

// Strategy names
const (
	StrategyTerminalProximity = "terminal-proximity"
	StrategyDefault           = "default"
)

// DefaultProximityMeters 站点接近判定半径
const DefaultProximityMeters = 30.0

// Strategy 运营商方向推断策略
// 线路站点等状态不保存在策略内，随 Context 传入
type Strategy interface {
	Name() string
	SupportsSmartSelection() bool
	// InferDirection 返回策略判定的方向；返回空字符串表示保持当前方向
	InferDirection(c *Context) string
}

// TerminalProximity 首末站接近策略：末站翻转方向，首站确认方向
type TerminalProximity struct {
	name            string
	proximityMeters float64
	smart           bool
}

// NewTerminalProximity 创建首末站接近策略
func NewTerminalProximity(name string, proximityMeters float64, smartSelection bool) *TerminalProximity {
	if proximityMeters <= 0 {
		proximityMeters = DefaultProximityMeters
	}
	return &TerminalProximity{name: name, proximityMeters: proximityMeters, smart: smartSelection}
}

func (s *TerminalProximity) Name() string                 { return s.name }
func (s *TerminalProximity) SupportsSmartSelection() bool { return s.smart }

func (s *TerminalProximity) InferDirection(c *Context) string {
	if c == nil || c.Route == nil || c.Current == nil {
		return ""
	}
	direction := c.Current.Direction()
	if direction == "" {
		return ""
	}

	first, last := terminals(c.Route, direction)
	switch {
	case isNear(last, c.Current.Lat, c.Current.Lon, s.proximityMeters):
		return models.OppositeDirection(direction)
	case isNear(first, c.Current.Lat, c.Current.Lon, s.proximityMeters):
		return direction
	default:
		return ""
	}
}

// Passthrough 默认策略：完全委托给首末站接近策略，不支持智能选车
type Passthrough struct {
	inner Strategy
}

// NewPassthrough 创建默认策略
func NewPassthrough(inner Strategy) *Passthrough {
	return &Passthrough{inner: inner}
}

func (s *Passthrough) Name() string                     { return "Default" }
func (s *Passthrough) SupportsSmartSelection() bool     { return false }
func (s *Passthrough) InferDirection(c *Context) string { return s.inner.InferDirection(c) }

// OperatorStrategy 运营商与策略的绑定
type OperatorStrategy struct {
	Name           string `yaml:"name" validate:"required"`
	Strategy       string `yaml:"strategy" validate:"required,oneof=terminal-proximity default"`
	SmartSelection bool   `yaml:"smart_selection"`
}

// BuiltinOperators 内置运营商
func BuiltinOperators() []OperatorStrategy {
	return []OperatorStrategy{
		{Name: "Rea Vaya", Strategy: StrategyTerminalProximity, SmartSelection: true},
		{Name: "Metro Bus", Strategy: StrategyTerminalProximity, SmartSelection: true},
	}
}

// Registry 按运营商名称（大小写不敏感，精确匹配）查找策略
type Registry struct {
	byName   map[string]Strategy
	fallback Strategy
}

// NewRegistry 创建策略注册表；未匹配的运营商使用默认策略
func NewRegistry(operators []OperatorStrategy, proximityMeters float64) *Registry {
	r := &Registry{
		byName:   make(map[string]Strategy, len(operators)),
		fallback: NewPassthrough(NewTerminalProximity("Default", proximityMeters, false)),
	}
	for _, op := range operators {
		var s Strategy
		switch op.Strategy {
		case StrategyDefault:
			s = r.fallback
		default:
			s = NewTerminalProximity(op.Name, proximityMeters, op.SmartSelection)
		}
		r.byName[strings.ToLower(strings.TrimSpace(op.Name))] = s
	}
	return r
}

// Lookup 查找运营商策略
func (r *Registry) Lookup(operator string) Strategy {
	if s, ok := r.byName[strings.ToLower(strings.TrimSpace(operator))]; ok {
		return s
	}
	return r.fallback
}
