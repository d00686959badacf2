package broadcast

import (
	"context"
	"strings"
	"time"

	"bustrack/internal/models"

	"go.uber.org/zap"
)

// RunCatchUp 按固定间隔补推，直到 ctx 取消
func (h *Hub) RunCatchUp(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCatchUpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Catch-up loop stopped")
			return
		case <-ticker.C:
			h.CatchUp(ctx)
		}
	}
}

// CatchUp 一轮补推：重新评估智能订阅，再向每个线路 key 推送最新缓存位置
func (h *Hub) CatchUp(ctx context.Context) {
	h.reevaluate(ctx)

	fixes, err := h.store.ScanAll(ctx)
	if err != nil {
		h.logger.Warn("Catch-up scan failed", zap.Error(err))
		return
	}
	for _, key := range h.routes.list() {
		fix := latestMatching(fixes, key)
		if fix == nil {
			continue
		}
		msg := Message{Type: TypeUpdate, Topic: TopicPrefix + key, Payload: Payload{PositionFix: fix}}
		for _, s := range h.routes.sessions(key) {
			h.deliver(s, msg)
		}
	}
}

// reevaluate 当前车辆不再合适时为智能订阅换车
func (h *Hub) reevaluate(ctx context.Context) {
	if h.finder == nil {
		return
	}
	h.smart.Range(func(k, v any) bool {
		e := v.(*smartEntry)
		e.mu.Lock()
		sub := e.sub
		e.mu.Unlock()

		res, err := h.finder.FindBetter(ctx, &sub)
		if err != nil {
			h.logger.Warn("Re-evaluation failed", zap.String("session_id", sub.SessionID), zap.Error(err))
			return true
		}
		if res == nil || res.BusID() == "" || res.BusID() == sub.BusID {
			return true
		}

		kv, live := h.sessions.Load(sub.SessionID)
		if !live {
			return true
		}
		keys := kv.(*sessionKeys)
		s := h.sessionOn(routeKey(sub.BusNumber, sub.Direction), sub.SessionID)
		if s == nil {
			return true
		}

		// 换车与取消订阅、断开互斥
		e.mu.Lock()
		if e.dropped || e.sub.BusID != sub.BusID {
			e.mu.Unlock()
			return true
		}
		if !h.attachBus(keys, s, res.BusID(), true) {
			e.mu.Unlock()
			return true
		}
		if sub.BusID != "" {
			h.releaseBus(keys, sub.SessionID, sub.BusID, true)
		}
		e.sub.BusID = res.BusID()
		e.mu.Unlock()

		h.logger.Info("Re-pointed smart subscription",
			zap.String("session_id", sub.SessionID),
			zap.String("from_bus_id", sub.BusID),
			zap.String("to_bus_id", res.BusID()),
			zap.Bool("is_fallback", res.IsFallback),
		)
		return true
	})
}

// latestMatching 大小写不敏感匹配线路 key 的最新位置
func latestMatching(fixes []*models.PositionFix, key string) *models.PositionFix {
	var latest *models.PositionFix
	for _, f := range fixes {
		if f.Direction() == "" || !strings.EqualFold(routeKey(f.BusNumber, f.Direction()), key) {
			continue
		}
		if latest == nil || f.Timestamp > latest.Timestamp {
			latest = f
		}
	}
	return latest
}
