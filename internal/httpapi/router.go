package httpapi

import (
	"context"
	"net/http"
	"time"

	"bustrack/internal/broadcast"
	"bustrack/internal/geometry"
	"bustrack/internal/inference"
	"bustrack/internal/models"
	"bustrack/internal/selection"
	"bustrack/internal/tracking"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Tracker 追踪服务能力
type Tracker interface {
	Ingest(ctx context.Context, fix *models.PositionFix) (*models.PositionFix, error)
	NearestBus(ctx context.Context, lat, lon float64, direction string) (*models.PositionFix, error)
	RouteDistance(ctx context.Context, busNumber, direction string, busLat, busLon, userLat, userLon float64) (*geometry.DistanceResult, error)
	BusLocation(ctx context.Context, busNumber, direction string) (*models.PositionFix, error)
	ActiveRoutes(ctx context.Context) ([]string, error)
	AvailableBuses(ctx context.Context, busNumber, direction string) ([]*models.PositionFix, error)
	UpdateBusStatus(ctx context.Context, busID, status string) (*tracking.StatusChange, error)
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context) ([]*models.PositionFix, error)
	RouteOperator(ctx context.Context, busNumber string) string
}

// RuleAdmin 运营商规则管理
type RuleAdmin interface {
	List(ctx context.Context, companyID int64) ([]models.CompanyRule, error)
	Upsert(ctx context.Context, rule models.CompanyRule) error
	Delete(ctx context.Context, companyID int64, key string) error
}

// GeometryAdmin 线路几何维护
type GeometryAdmin interface {
	BackfillCumulativeDistances(ctx context.Context) (int, error)
}

// SmartSelector 智能选车
type SmartSelector interface {
	SelectBest(ctx context.Context, busNumber, direction string, clientIndex int) (*selection.Result, error)
}

// StrategyLookup 运营商策略查询
type StrategyLookup interface {
	Lookup(operator string) inference.Strategy
}

// SessionMetrics 会话指标
type SessionMetrics interface {
	SessionOpened()
	SessionClosed()
	SelectionInc(selectionType string)
}

// HealthCheck 依赖健康检查
type HealthCheck func(ctx context.Context) error

// Deps 路由依赖；Rules/Geometry/Selector/Strategies/Metrics 可为 nil
type Deps struct {
	Tracker    Tracker
	Hub        *broadcast.Hub
	Rules      RuleAdmin
	Geometry   GeometryAdmin
	Selector   SmartSelector
	Strategies StrategyLookup
	Metrics    SessionMetrics
	Checks     map[string]HealthCheck
}

// Handler REST 与 WebSocket 处理器
type Handler struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler 创建处理器
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger, now: time.Now}
}

// NewRouter 注册全部路由
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tracker/payload", h.IngestPayload)
		r.Post("/tracking/distance", h.RouteDistance)
		r.Post("/clear", h.Clear)

		r.Get("/buses/nearest", h.NearestBus)
		r.Get("/buses/active", h.ActiveRoutes)
		r.Get("/buses/{busNumber}/location", h.BusLocation)
		r.Put("/buses/{busId}/status", h.UpdateBusStatus)
		r.Get("/routes/{busNumber}/{direction}/buses", h.AvailableBuses)

		r.Get("/companies/{companyId}/rules", h.ListRules)
		r.Put("/companies/{companyId}/rules/{ruleKey}", h.UpsertRule)
		r.Delete("/companies/{companyId}/rules/{ruleKey}", h.DeleteRule)

		r.Post("/full-routes/backfill-distances", h.BackfillDistances)
		r.Get("/gtfs-rt/vehicle-positions", h.VehiclePositions)
	})
	return r
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Checks))
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{
		"status":    "ok",
		"checks":    checks,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
	if h.deps.Hub != nil {
		body["sessions"] = h.deps.Hub.ActiveSessions()
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
		writeJSON(w, status, Result[any]{Code: ResultError, Type: "error", Message: "degraded", Result: body})
		return
	}
	writeJSON(w, status, Ok(body))
}
