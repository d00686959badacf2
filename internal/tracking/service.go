package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bustrack/internal/broadcast"
	"bustrack/internal/decoder"
	"bustrack/internal/geometry"
	"bustrack/internal/inference"
	"bustrack/internal/models"
	"bustrack/internal/repository"
	"bustrack/internal/rules"
	"bustrack/internal/selection"
	"bustrack/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrUnknownTracker tracker 未登记
	ErrUnknownTracker = errors.New("unknown tracker")
	// ErrBusNotActive 车辆非运营状态
	ErrBusNotActive = errors.New("bus is not active")
	// ErrNotFound 查询无结果
	ErrNotFound = errors.New("not found")
	// ErrInvalidStatus 非法运营状态
	ErrInvalidStatus = errors.New("invalid operational status")
	// ErrInvalidFix 定位缺少设备标识
	ErrInvalidFix = errors.New("tracker id is required")
)

const (
	// DefaultLocationTTL 位置缓存有效期
	DefaultLocationTTL = 24 * time.Hour
	// DefaultNearestRadiusMeters 最近车辆查询半径
	DefaultNearestRadiusMeters = 10000.0
)

// BusRegistry 车辆登记查询
type BusRegistry interface {
	FindByTrackerID(ctx context.Context, trackerID string) (*models.Bus, error)
	FindByID(ctx context.Context, busID string) (*models.Bus, error)
	UpdateOperationalStatus(ctx context.Context, busID, status string) error
}

// RouteRegistry 线路查询
type RouteRegistry interface {
	FindByCompanyAndBusNumber(ctx context.Context, company, busNumber string) (*models.Route, error)
	FindByBusNumber(ctx context.Context, busNumber string) (*models.Route, error)
}

// RuleSource 运营商规则开关
type RuleSource interface {
	Toggles(ctx context.Context, companyID *int64) rules.Toggles
	ResolveCompanyID(ctx context.Context, name string) *int64
}

// Snapshotter 快照写入
type Snapshotter interface {
	Due(lastSaved int64, now time.Time) bool
	Submit(fix *models.PositionFix) bool
}

// Broadcaster 推送
type Broadcaster interface {
	Broadcast(fix *models.PositionFix)
	BroadcastOffline(fix *models.PositionFix, status string)
}

// Publisher 位置镜像输出
type Publisher interface {
	Name() string
	Publish(ctx context.Context, fix *models.PositionFix) error
}

// Metrics 摄入指标
type Metrics interface {
	PacketDecodedInc()
	PacketDroppedInc()
	FixIngestedInc()
	FixRejectedInc(reason string)
	IngestObserve(d time.Duration)
}

// Options 可调参数
type Options struct {
	LocationTTL         time.Duration
	NearestRadiusMeters float64
	RouteCacheTTL       time.Duration
}

// Service 摄入流水线与查询
type Service struct {
	buses       BusRegistry
	routes      *routeCache
	positions   store.PositionStore
	rules       RuleSource
	inference   *inference.Engine
	geometry    *geometry.Engine
	selector    *selection.Selector
	snapshots   Snapshotter
	broadcaster Broadcaster
	publishers  []Publisher
	metrics     Metrics
	opts        Options
	logger      *zap.Logger

	now func() time.Time
}

// Deps 依赖集合
type Deps struct {
	Buses       BusRegistry
	Routes      RouteRegistry
	Positions   store.PositionStore
	Rules       RuleSource
	Inference   *inference.Engine
	Geometry    *geometry.Engine
	Selector    *selection.Selector
	Snapshots   Snapshotter
	Broadcaster Broadcaster
	Publishers  []Publisher
	Metrics     Metrics
}

// NewService 创建跟踪服务
func NewService(deps Deps, opts Options, logger *zap.Logger) *Service {
	if opts.LocationTTL <= 0 {
		opts.LocationTTL = DefaultLocationTTL
	}
	if opts.NearestRadiusMeters <= 0 {
		opts.NearestRadiusMeters = DefaultNearestRadiusMeters
	}
	return &Service{
		buses:       deps.Buses,
		routes:      newRouteCache(deps.Routes, opts.RouteCacheTTL),
		positions:   deps.Positions,
		rules:       deps.Rules,
		inference:   deps.Inference,
		geometry:    deps.Geometry,
		selector:    deps.Selector,
		snapshots:   deps.Snapshots,
		broadcaster: deps.Broadcaster,
		publishers:  deps.Publishers,
		metrics:     deps.Metrics,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// IngestLine 解码一行厂商报文并摄入；无法解码的行静默丢弃
func (s *Service) IngestLine(ctx context.Context, line string) {
	fix, ok := decoder.Decode(line)
	if !ok {
		s.logger.Debug("Dropping undecodable packet", zap.Int("length", len(line)))
		if s.metrics != nil {
			s.metrics.PacketDroppedInc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.PacketDecodedInc()
	}
	if _, err := s.Ingest(ctx, fix); err != nil {
		s.logger.Debug("Packet not ingested", zap.String("tracker_id", fix.TrackerID), zap.Error(err))
	}
}

// Ingest 摄入一个定位：登记校验 → 推断 → 写缓存 → 快照 → 推送
func (s *Service) Ingest(ctx context.Context, fix *models.PositionFix) (*models.PositionFix, error) {
	start := s.now()
	if fix == nil || strings.TrimSpace(fix.TrackerID) == "" {
		return nil, ErrInvalidFix
	}

	bus, err := s.buses.FindByTrackerID(ctx, fix.TrackerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Dropping fix from unknown tracker", zap.String("tracker_id", fix.TrackerID))
			s.reject("unknown_tracker")
			return nil, ErrUnknownTracker
		}
		s.reject("registry_error")
		return nil, fmt.Errorf("failed to resolve tracker: %w", err)
	}
	if !strings.EqualFold(bus.OperationalStatus, models.StatusActive) {
		s.logger.Info("Ignoring fix from bus not in service",
			zap.String("tracker_id", fix.TrackerID),
			zap.String("bus_id", bus.BusID),
			zap.String("status", bus.OperationalStatus),
		)
		s.reject("not_active")
		return nil, ErrBusNotActive
	}

	previous, err := s.positions.Get(ctx, fix.TrackerID)
	if err != nil && !errors.Is(err, store.ErrMiss) {
		s.logger.Warn("Failed to read cached position", zap.String("tracker_id", fix.TrackerID), zap.Error(err))
	}

	enrich(fix, bus, previous)
	if fix.Timestamp == "" {
		fix.Timestamp = start.UTC().Format(time.RFC3339)
	}

	route := s.routes.get(ctx, bus.CompanyName, bus.BusNumber)
	if route == nil {
		s.logger.Debug("No route for bus, direction left unchanged",
			zap.String("bus_id", bus.BusID),
			zap.String("route_number", bus.BusNumber),
		)
	}

	toggles := rules.DefaultToggles()
	if s.rules != nil {
		companyID := bus.CompanyID
		if companyID == nil {
			companyID = s.rules.ResolveCompanyID(ctx, bus.CompanyName)
		}
		toggles = s.rules.Toggles(ctx, companyID)
	}
	outcome := s.inference.Infer(&inference.Context{
		Current:  fix,
		Previous: previous,
		Route:    route,
		Operator: bus.CompanyName,
		Toggles:  toggles,
	})
	if outcome.Applied != inference.AppliedNone {
		s.logger.Info("Direction updated",
			zap.String("bus_id", fix.BusID),
			zap.String("rule", outcome.Applied),
			zap.String("strategy", outcome.Strategy),
			zap.String("direction", fix.Direction()),
		)
	}

	saveSnapshot := s.snapshots != nil && s.snapshots.Due(fix.LastSavedTimestamp, start)
	if saveSnapshot {
		fix.LastSavedTimestamp = start.UnixMilli()
	}

	if err := s.positions.Put(ctx, fix.TrackerID, fix, s.opts.LocationTTL); err != nil {
		s.reject("store_error")
		return nil, err
	}
	if err := s.positions.GeoIndex(ctx, fix.TrackerID, fix.Lat, fix.Lon); err != nil {
		s.logger.Warn("Failed to update geo index", zap.String("tracker_id", fix.TrackerID), zap.Error(err))
	}

	if saveSnapshot {
		s.snapshots.Submit(fix)
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(fix)
	}
	s.publish(ctx, fix)

	if s.metrics != nil {
		s.metrics.FixIngestedInc()
		s.metrics.IngestObserve(s.now().Sub(start))
	}
	return fix, nil
}

// enrich 写入车辆身份；未上报方向/索引时沿用上一个定位
func enrich(fix *models.PositionFix, bus *models.Bus, previous *models.PositionFix) {
	fix.BusID = bus.BusID
	fix.BusNumber = bus.BusNumber
	fix.BusCompany = bus.CompanyName
	fix.BusDriverID = bus.DriverID
	fix.BusDriver = bus.DriverName
	fix.HeadingCardinal = models.HeadingCardinal(fix.HeadingDegrees)

	if previous == nil {
		return
	}
	if fix.TripDirection == nil && previous.TripDirection != nil {
		fix.SetDirection(*previous.TripDirection)
	}
	if fix.BusStopIndex == nil && previous.BusStopIndex != nil {
		fix.SetIndex(*previous.BusStopIndex)
	}
	fix.LastSavedTimestamp = previous.LastSavedTimestamp
}

func (s *Service) reject(reason string) {
	if s.metrics != nil {
		s.metrics.FixRejectedInc(reason)
	}
}

func (s *Service) publish(ctx context.Context, fix *models.PositionFix) {
	for _, p := range s.publishers {
		if err := p.Publish(ctx, fix); err != nil {
			s.logger.Warn("Failed to mirror position",
				zap.String("publisher", p.Name()),
				zap.String("bus_id", fix.BusID),
				zap.Error(err),
			)
		}
	}
}

// NearestBus 半径内距离最近且方向匹配的车辆；direction 为空时不过滤方向
func (s *Service) NearestBus(ctx context.Context, lat, lon float64, direction string) (*models.PositionFix, error) {
	ids, err := s.positions.NearestWithinRadius(ctx, lat, lon, s.opts.NearestRadiusMeters)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		fix, err := s.positions.Get(ctx, id)
		if err != nil {
			// GEO 索引可能比位置值存活更久
			continue
		}
		if direction == "" || strings.EqualFold(fix.Direction(), direction) {
			return fix, nil
		}
	}
	return nil, ErrNotFound
}

// BusLocation 线路+方向上最新的位置
func (s *Service) BusLocation(ctx context.Context, busNumber, direction string) (*models.PositionFix, error) {
	fixes, err := s.positions.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	var latest *models.PositionFix
	for _, f := range fixes {
		if !strings.EqualFold(f.BusNumber, busNumber) {
			continue
		}
		if direction != "" && !strings.EqualFold(f.Direction(), direction) {
			continue
		}
		if latest == nil || f.Timestamp > latest.Timestamp {
			latest = f
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// ActiveRoutes 当前有在线车辆的线路号
func (s *Service) ActiveRoutes(ctx context.Context) ([]string, error) {
	fixes, err := s.positions.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, f := range fixes {
		if f.BusNumber == "" {
			continue
		}
		if _, ok := seen[f.BusNumber]; ok {
			continue
		}
		seen[f.BusNumber] = struct{}{}
		out = append(out, f.BusNumber)
	}
	sort.Strings(out)
	return out, nil
}

// RouteOperator 线路所属运营商名称（线路未登记时为空）
func (s *Service) RouteOperator(ctx context.Context, busNumber string) string {
	route := s.routes.getByNumber(ctx, busNumber)
	if route == nil {
		return ""
	}
	return route.Company
}

// AvailableBuses 线路+方向上所有在线车辆
func (s *Service) AvailableBuses(ctx context.Context, busNumber, direction string) ([]*models.PositionFix, error) {
	return s.selector.AvailableForRoute(ctx, busNumber, direction)
}

// RouteDistance 按线路号解析线路后计算沿线距离
func (s *Service) RouteDistance(ctx context.Context, busNumber, direction string, busLat, busLon, userLat, userLon float64) (*geometry.DistanceResult, error) {
	route := s.routes.getByNumber(ctx, busNumber)
	if route == nil {
		return nil, ErrNotFound
	}
	res, err := s.geometry.RouteDistance(ctx, busLat, busLon, userLat, userLon, route.ID, direction)
	if err != nil {
		if errors.Is(err, geometry.ErrNoGeometry) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// StatusChange 运营状态变更结果
type StatusChange struct {
	BusID                 string `json:"busId"`
	Status                string `json:"status"`
	WentOffline           bool   `json:"wentOffline"`
	ReplacementBusID      string `json:"replacementBusId,omitempty"`
	ReplacementIsFallback bool   `json:"replacementIsFallback,omitempty"`
}

// UpdateBusStatus 更新运营状态；下线时删除缓存、通知订阅者并推送替补车辆
func (s *Service) UpdateBusStatus(ctx context.Context, busID, status string) (*StatusChange, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case models.StatusActive, models.StatusInactive, models.StatusMaintenance, models.StatusRetired:
	default:
		return nil, ErrInvalidStatus
	}

	bus, err := s.buses.FindByID(ctx, busID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.buses.UpdateOperationalStatus(ctx, busID, status); err != nil {
		return nil, err
	}

	change := &StatusChange{BusID: busID, Status: status}
	if status == models.StatusActive {
		return change, nil
	}
	change.WentOffline = true

	cached, err := s.positions.Get(ctx, bus.TrackerID)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			s.logger.Warn("Failed to read cached position", zap.String("bus_id", busID), zap.Error(err))
		}
		return change, nil
	}
	if err := s.positions.Delete(ctx, bus.TrackerID); err != nil {
		s.logger.Warn("Failed to delete cached position", zap.String("bus_id", busID), zap.Error(err))
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastOffline(cached, status)
	}
	s.logger.Info("Bus went offline",
		zap.String("bus_id", busID),
		zap.String("status", status),
		zap.String("route_number", cached.BusNumber),
	)

	if cached.Direction() == "" || s.selector == nil {
		return change, nil
	}
	clientIndex := 0
	if cached.BusStopIndex != nil {
		clientIndex = *cached.BusStopIndex
	}
	replacement, err := s.selector.SelectBest(ctx, cached.BusNumber, cached.Direction(), clientIndex)
	if err != nil {
		s.logger.Warn("Replacement selection failed", zap.String("bus_id", busID), zap.Error(err))
		return change, nil
	}
	if replacement != nil && replacement.BusID() != busID {
		change.ReplacementBusID = replacement.BusID()
		change.ReplacementIsFallback = replacement.IsFallback
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(replacement.Fix)
		}
	}
	return change, nil
}

// Clear 清空位置缓存与 GEO 索引
func (s *Service) Clear(ctx context.Context) error {
	if err := s.positions.ClearAll(ctx); err != nil {
		return err
	}
	s.routes.reset()
	s.logger.Info("Tracking data cleared")
	return nil
}

// Snapshot 全部在线位置（GTFS-RT 导出用）
func (s *Service) Snapshot(ctx context.Context) ([]*models.PositionFix, error) {
	return s.positions.ScanAll(ctx)
}

var _ Broadcaster = (*broadcast.Hub)(nil)

// routeCache 线路（含站点）读穿缓存
type routeCache struct {
	source RouteRegistry
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]routeEntry
}

type routeEntry struct {
	route    *models.Route
	loadedAt time.Time
}

func newRouteCache(source RouteRegistry, ttl time.Duration) *routeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &routeCache{source: source, ttl: ttl, entries: make(map[string]routeEntry)}
}

// get 先按运营商+线路号查找，找不到时退回仅按线路号
func (c *routeCache) get(ctx context.Context, company, busNumber string) *models.Route {
	if busNumber == "" || c.source == nil {
		return nil
	}
	key := strings.ToLower(company) + "|" + busNumber
	if r, ok := c.lookup(key); ok {
		return r
	}
	route, err := c.source.FindByCompanyAndBusNumber(ctx, company, busNumber)
	if errors.Is(err, repository.ErrNotFound) {
		route, err = c.source.FindByBusNumber(ctx, busNumber)
	}
	if err != nil {
		route = nil
	}
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		c.store(key, route)
	}
	return route
}

func (c *routeCache) getByNumber(ctx context.Context, busNumber string) *models.Route {
	if c.source == nil {
		return nil
	}
	key := "|" + busNumber
	if r, ok := c.lookup(key); ok {
		return r
	}
	route, err := c.source.FindByBusNumber(ctx, busNumber)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.store(key, nil)
		}
		return nil
	}
	c.store(key, route)
	return route
}

func (c *routeCache) lookup(key string) (*models.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.loadedAt) > c.ttl {
		return nil, false
	}
	return e.route, true
}

func (c *routeCache) store(key string, route *models.Route) {
	c.mu.Lock()
	c.entries[key] = routeEntry{route: route, loadedAt: time.Now()}
	c.mu.Unlock()
}

func (c *routeCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]routeEntry)
	c.mu.Unlock()
}
