package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/selection"
	"bustrack/internal/store"

	"go.uber.org/zap"
)

// Message types
const (
	TypeUpdate     = "update"
	TypeBusOffline = "bus-offline"
	TypeAck        = "ack"
)

// TopicPrefix 推送地址前缀
const TopicPrefix = "/topic/bus/"

// DefaultCatchUpInterval 补推间隔
const DefaultCatchUpInterval = 5 * time.Second

// Message 推送给会话的消息
type Message struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Payload 位置推送内容；智能选车时附带请求方向与实际方向
type Payload struct {
	*models.PositionFix
	IsFallback         *bool  `json:"isFallback,omitempty"`
	RequestedDirection string `json:"requestedDirection,omitempty"`
	ActualDirection    string `json:"actualDirection,omitempty"`
}

// OfflinePayload 车辆下线通知
type OfflinePayload struct {
	BusID     string `json:"busId"`
	BusNumber string `json:"busNumber"`
	Direction string `json:"direction,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Session 客户端会话；Send 不得阻塞
type Session interface {
	ID() string
	Send(msg Message) error
}

// Finder 重新评估所用的选车能力
type Finder interface {
	FindBetter(ctx context.Context, sub *models.ClientSubscription) (*selection.Result, error)
}

// HubMetrics 推送指标
type HubMetrics interface {
	BroadcastDeliveredInc()
	BroadcastFailedInc()
}

// RouteTopic 线路订阅地址，保留客户端原始大小写
func RouteTopic(busNumber, direction string) string {
	return TopicPrefix + routeKey(busNumber, direction)
}

// BusTopic 车辆订阅地址
func BusTopic(busID string) string {
	return TopicPrefix + busID
}

func routeKey(busNumber, direction string) string {
	return busNumber + "_" + direction
}

// Hub 订阅与推送引擎
type Hub struct {
	routes   registry // 原始大小写的线路 key
	buses    registry // 车辆 key
	sessions sync.Map // sessionID → *sessionKeys
	smart    sync.Map // sessionID + "|" + routeKey → *smartEntry

	store   store.PositionStore
	finder  Finder
	metrics HubMetrics
	logger  *zap.Logger
}

type smartEntry struct {
	mu      sync.Mutex
	sub     models.ClientSubscription
	dropped bool // 已取消订阅，不再换车
}

// NewHub 创建推送引擎；finder 为 nil 时不做智能订阅重新评估
func NewHub(s store.PositionStore, finder Finder, metrics HubMetrics, logger *zap.Logger) *Hub {
	return &Hub{
		store:   s,
		finder:  finder,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Hub) keysFor(sessionID string) *sessionKeys {
	v, _ := h.sessions.LoadOrStore(sessionID, newSessionKeys())
	return v.(*sessionKeys)
}

// SubscribeRoute 订阅线路+方向，并立即推送当前缓存位置
func (h *Hub) SubscribeRoute(ctx context.Context, s Session, busNumber, direction string) {
	key := routeKey(busNumber, direction)
	k := h.keysFor(s.ID())
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.routes[key] = struct{}{}
	h.routes.add(key, s)
	k.mu.Unlock()

	fix, err := h.latestForRoute(ctx, busNumber, direction)
	if err != nil {
		h.logger.Warn("Failed to load cached position for route",
			zap.String("route_number", busNumber),
			zap.String("direction", direction),
			zap.Error(err),
		)
		return
	}
	if fix != nil {
		h.deliver(s, Message{Type: TypeUpdate, Topic: TopicPrefix + key, Payload: Payload{PositionFix: fix}})
	}
}

// SubscribeBus 订阅指定车辆，并立即推送当前缓存位置
func (h *Hub) SubscribeBus(ctx context.Context, s Session, busID string) {
	h.subscribeBus(ctx, s, busID, false)
}

// SubscribeSelected 智能选车选中的车辆；线路取消订阅时一并释放，不影响显式车辆订阅
func (h *Hub) SubscribeSelected(ctx context.Context, s Session, busID string) {
	h.subscribeBus(ctx, s, busID, true)
}

func (h *Hub) subscribeBus(ctx context.Context, s Session, busID string, picked bool) {
	if !h.attachBus(h.keysFor(s.ID()), s, busID, picked) {
		return
	}

	fix, err := h.latestForBus(ctx, busID)
	if err != nil {
		h.logger.Warn("Failed to load cached position for bus", zap.String("bus_id", busID), zap.Error(err))
		return
	}
	if fix != nil {
		h.deliver(s, Message{Type: TypeUpdate, Topic: BusTopic(busID), Payload: Payload{PositionFix: fix}})
	}
}

// attachBus 在会话锁内登记车辆；会话已断开时返回 false
func (h *Hub) attachBus(k *sessionKeys, s Session, busID string, picked bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return false
	}
	if picked {
		k.picked[busID]++
	} else {
		k.buses[busID] = struct{}{}
	}
	h.buses.add(busID, s)
	return true
}

// releaseBus 释放一种来源的车辆引用，两种来源都释放后才移出 registry
func (h *Hub) releaseBus(k *sessionKeys, sessionID, busID string, picked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if picked {
		if k.picked[busID] <= 1 {
			delete(k.picked, busID)
		} else {
			k.picked[busID]--
		}
	} else {
		delete(k.buses, busID)
	}
	if !k.holdsBus(busID) {
		h.buses.remove(busID, sessionID)
	}
}

// TrackSmart 记录智能选车订阅，用于富化推送和重新评估
func (h *Hub) TrackSmart(sub models.ClientSubscription) {
	h.smart.Store(smartKey(sub.SessionID, routeKey(sub.BusNumber, sub.Direction)), &smartEntry{sub: sub})
}

// UnsubscribeRoute 取消线路订阅，同时释放该线路智能选中的车辆
func (h *Hub) UnsubscribeRoute(sessionID, busNumber, direction string) {
	key := routeKey(busNumber, direction)
	v, ok := h.sessions.Load(sessionID)
	if !ok {
		h.routes.remove(key, sessionID)
		return
	}
	k := v.(*sessionKeys)
	k.mu.Lock()
	delete(k.routes, key)
	h.routes.remove(key, sessionID)
	k.mu.Unlock()

	if sv, ok := h.smart.LoadAndDelete(smartKey(sessionID, key)); ok {
		e := sv.(*smartEntry)
		e.mu.Lock()
		e.dropped = true
		busID := e.sub.BusID
		e.mu.Unlock()
		if busID != "" {
			h.releaseBus(k, sessionID, busID, true)
		}
	}
}

// UnsubscribeBus 取消显式车辆订阅
func (h *Hub) UnsubscribeBus(sessionID, busID string) {
	v, ok := h.sessions.Load(sessionID)
	if !ok {
		h.buses.remove(busID, sessionID)
		return
	}
	h.releaseBus(v.(*sessionKeys), sessionID, busID, false)
}

// Disconnect 会话断开时的唯一清理入口，可重复调用
func (h *Hub) Disconnect(sessionID string) {
	if v, ok := h.sessions.LoadAndDelete(sessionID); ok {
		k := v.(*sessionKeys)
		k.mu.Lock()
		k.closed = true
		for key := range k.routes {
			h.routes.remove(key, sessionID)
		}
		for busID := range k.buses {
			h.buses.remove(busID, sessionID)
		}
		for busID := range k.picked {
			h.buses.remove(busID, sessionID)
		}
		k.mu.Unlock()
	}
	prefix := sessionID + "|"
	h.smart.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			h.smart.Delete(k)
		}
		return true
	})
}

// Broadcast 推送一个新位置：车辆订阅者、线路订阅者、智能选车订阅者
func (h *Hub) Broadcast(fix *models.PositionFix) {
	if fix == nil {
		return
	}
	payload := Payload{PositionFix: fix}

	if fix.BusID != "" {
		msg := Message{Type: TypeUpdate, Topic: BusTopic(fix.BusID), Payload: payload}
		for _, s := range h.buses.sessions(fix.BusID) {
			h.deliver(s, msg)
		}
	}

	smart := h.smartFor(fix.BusID)
	if direction := fix.Direction(); direction != "" && fix.BusNumber != "" {
		target := routeKey(fix.BusNumber, direction)
		for _, key := range h.routes.list() {
			if !strings.EqualFold(key, target) {
				continue
			}
			msg := Message{Type: TypeUpdate, Topic: TopicPrefix + key, Payload: payload}
			for _, s := range h.routes.sessions(key) {
				if _, enriched := smart[smartKey(s.ID(), key)]; enriched {
					continue
				}
				h.deliver(s, msg)
			}
		}
	}

	for _, sub := range smart {
		s := h.sessionOn(routeKey(sub.BusNumber, sub.Direction), sub.SessionID)
		if s == nil {
			continue
		}
		fallback := !strings.EqualFold(fix.Direction(), sub.Direction)
		h.deliver(s, Message{
			Type:  TypeUpdate,
			Topic: RouteTopic(sub.BusNumber, sub.Direction),
			Payload: Payload{
				PositionFix:        fix,
				IsFallback:         &fallback,
				RequestedDirection: sub.Direction,
				ActualDirection:    fix.Direction(),
			},
		})
	}
}

// BroadcastOffline 通知车辆与线路订阅者车辆已下线
func (h *Hub) BroadcastOffline(fix *models.PositionFix, status string) {
	if fix == nil {
		return
	}
	payload := OfflinePayload{
		BusID:     fix.BusID,
		BusNumber: fix.BusNumber,
		Direction: fix.Direction(),
		Status:    status,
		Message:   "Bus " + fix.BusID + " is no longer in service",
	}
	for _, s := range h.buses.sessions(fix.BusID) {
		h.deliver(s, Message{Type: TypeBusOffline, Topic: BusTopic(fix.BusID), Payload: payload})
	}
	if fix.Direction() == "" {
		return
	}
	target := routeKey(fix.BusNumber, fix.Direction())
	for _, key := range h.routes.list() {
		if !strings.EqualFold(key, target) {
			continue
		}
		for _, s := range h.routes.sessions(key) {
			h.deliver(s, Message{Type: TypeBusOffline, Topic: TopicPrefix + key, Payload: payload})
		}
	}
}

// RouteKeys 当前有会话的线路 key
func (h *Hub) RouteKeys() []string { return h.routes.list() }

// BusKeys 当前有会话的车辆 key
func (h *Hub) BusKeys() []string { return h.buses.list() }

// SmartSubscriptions 当前智能选车订阅
func (h *Hub) SmartSubscriptions() []models.ClientSubscription {
	var out []models.ClientSubscription
	h.smart.Range(func(_, v any) bool {
		e := v.(*smartEntry)
		e.mu.Lock()
		out = append(out, e.sub)
		e.mu.Unlock()
		return true
	})
	return out
}

// ActiveSessions 当前持有订阅的会话数
func (h *Hub) ActiveSessions() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *Hub) deliver(s Session, msg Message) {
	if err := s.Send(msg); err != nil {
		h.logger.Warn("Failed to push message to session",
			zap.String("session_id", s.ID()),
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		if h.metrics != nil {
			h.metrics.BroadcastFailedInc()
		}
		return
	}
	if h.metrics != nil {
		h.metrics.BroadcastDeliveredInc()
	}
}

func (h *Hub) smartFor(busID string) map[string]models.ClientSubscription {
	if busID == "" {
		return nil
	}
	out := make(map[string]models.ClientSubscription)
	h.smart.Range(func(k, v any) bool {
		e := v.(*smartEntry)
		e.mu.Lock()
		if e.sub.BusID == busID {
			out[k.(string)] = e.sub
		}
		e.mu.Unlock()
		return true
	})
	return out
}

func (h *Hub) sessionOn(key, sessionID string) Session {
	for _, s := range h.routes.sessions(key) {
		if s.ID() == sessionID {
			return s
		}
	}
	return nil
}

func smartKey(sessionID, key string) string {
	return sessionID + "|" + key
}

// latestForRoute 线路+方向上时间戳最新的位置
func (h *Hub) latestForRoute(ctx context.Context, busNumber, direction string) (*models.PositionFix, error) {
	fixes, err := h.store.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	var latest *models.PositionFix
	for _, f := range store.FilterRoute(fixes, busNumber, direction) {
		if latest == nil || f.Timestamp > latest.Timestamp {
			latest = f
		}
	}
	return latest, nil
}

func (h *Hub) latestForBus(ctx context.Context, busID string) (*models.PositionFix, error) {
	fixes, err := h.store.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range fixes {
		if f.BusID == busID {
			return f, nil
		}
	}
	return nil, nil
}
