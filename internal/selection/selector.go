package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"bustrack/internal/models"
	"bustrack/internal/store"

	"go.uber.org/zap"
)

// SuitableWindow 已选车辆仍可保留的最大领先站数
const SuitableWindow = 3

// Result 选车结果
type Result struct {
	Fix                *models.PositionFix
	IsFallback         bool   // 请求方向无车，改用反方向
	RequestedDirection string
	ActualDirection    string
}

// BusID 选中车辆标识
func (r *Result) BusID() string {
	if r == nil || r.Fix == nil {
		return ""
	}
	return r.Fix.BusID
}

// Selector 影子车选车引擎；只读 Position Store，无内部状态
type Selector struct {
	store  store.PositionStore
	logger *zap.Logger
}

// NewSelector 创建选车引擎
func NewSelector(s store.PositionStore, logger *zap.Logger) *Selector {
	return &Selector{store: s, logger: logger}
}

// SelectBest 为客户端选择最合适的车辆；无合适车辆时返回 nil
func (s *Selector) SelectBest(ctx context.Context, busNumber, direction string, clientIndex int) (*Result, error) {
	fixes, err := s.store.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan positions: %w", err)
	}

	if best := closestAhead(store.FilterRoute(fixes, busNumber, direction), clientIndex); best != nil {
		return &Result{Fix: best, RequestedDirection: direction, ActualDirection: best.Direction()}, nil
	}

	opposite := models.OppositeDirection(direction)
	if strings.EqualFold(opposite, direction) {
		return nil, nil
	}
	var candidates []*models.PositionFix
	for _, f := range store.FilterRoute(fixes, busNumber, opposite) {
		if f.BusStopIndex != nil && *f.BusStopIndex >= 0 {
			candidates = append(candidates, f)
		}
	}
	if best := closest(candidates, clientIndex); best != nil {
		s.logger.Debug("No bus ahead in requested direction, using opposite direction",
			zap.String("route_number", busNumber),
			zap.String("direction", direction),
			zap.String("bus_id", best.BusID),
		)
		return &Result{Fix: best, IsFallback: true, RequestedDirection: direction, ActualDirection: best.Direction()}, nil
	}
	return nil, nil
}

// IsStillSuitable 已选车辆是否仍在客户端前方的窗口内
func (s *Selector) IsStillSuitable(ctx context.Context, busID string, clientIndex int) (bool, error) {
	fix, err := s.findByBusID(ctx, busID)
	if err != nil || fix == nil || fix.BusStopIndex == nil {
		return false, err
	}
	idx := *fix.BusStopIndex
	return idx >= clientIndex && idx <= clientIndex+SuitableWindow, nil
}

// FindBetter 当前车辆仍合适时保留，否则重新选车
func (s *Selector) FindBetter(ctx context.Context, sub *models.ClientSubscription) (*Result, error) {
	if sub == nil {
		return nil, nil
	}
	if sub.BusID != "" {
		ok, err := s.IsStillSuitable(ctx, sub.BusID, sub.ClientIndex)
		if err != nil {
			return nil, err
		}
		if ok {
			fix, err := s.findByBusID(ctx, sub.BusID)
			if err != nil {
				return nil, err
			}
			if fix != nil {
				return &Result{Fix: fix, RequestedDirection: sub.Direction, ActualDirection: fix.Direction(),
					IsFallback: !strings.EqualFold(fix.Direction(), sub.Direction)}, nil
			}
		}
	}
	return s.SelectBest(ctx, sub.BusNumber, sub.Direction, sub.ClientIndex)
}

// AvailableForRoute 线路+方向上所有在线车辆，按车辆标识排序
func (s *Selector) AvailableForRoute(ctx context.Context, busNumber, direction string) ([]*models.PositionFix, error) {
	fixes, err := s.store.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan positions: %w", err)
	}
	out := store.FilterRoute(fixes, busNumber, direction)
	sort.SliceStable(out, func(i, j int) bool { return out[i].BusID < out[j].BusID })
	return out, nil
}

func (s *Selector) findByBusID(ctx context.Context, busID string) (*models.PositionFix, error) {
	fixes, err := s.store.ScanAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan positions: %w", err)
	}
	for _, f := range fixes {
		if f.BusID == busID {
			return f, nil
		}
	}
	return nil, nil
}

// closestAhead 索引 ≥ 客户端索引的车辆中差值最小者
func closestAhead(fixes []*models.PositionFix, clientIndex int) *models.PositionFix {
	var ahead []*models.PositionFix
	for _, f := range fixes {
		if f.BusStopIndex != nil && *f.BusStopIndex >= clientIndex {
			ahead = append(ahead, f)
		}
	}
	return closest(ahead, clientIndex)
}

// closest |index - clientIndex| 最小者，相同时取车辆标识字典序最小
func closest(fixes []*models.PositionFix, clientIndex int) *models.PositionFix {
	var best *models.PositionFix
	bestDiff := -1
	for _, f := range fixes {
		if f.BusStopIndex == nil {
			continue
		}
		diff := *f.BusStopIndex - clientIndex
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff || (diff == bestDiff && f.BusID < best.BusID) {
			best, bestDiff = f, diff
		}
	}
	return best
}
