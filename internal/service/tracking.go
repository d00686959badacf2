package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"bustrack/common/database"
	"bustrack/common/mqtt"
	rediscommon "bustrack/common/redis"
	"bustrack/internal/broadcast"
	"bustrack/internal/config"
	"bustrack/internal/geometry"
	"bustrack/internal/httpapi"
	"bustrack/internal/inference"
	"bustrack/internal/ingress"
	"bustrack/internal/metrics"
	"bustrack/internal/publisher"
	"bustrack/internal/repository"
	"bustrack/internal/rules"
	"bustrack/internal/scheduler"
	"bustrack/internal/selection"
	"bustrack/internal/snapshot"
	"bustrack/internal/store"
	"bustrack/internal/tracking"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// TrackingService 组装并管理全部组件的生命周期
type TrackingService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	nats        *publisher.NATSPublisher

	metrics   *metrics.Collector
	hub       *broadcast.Hub
	snapshots *snapshot.Writer
	tracker   *tracking.Service
	daily     *scheduler.Daily

	httpServer    *Server
	metricsServer *http.Server
	tcpServer     *ingress.TCPServer
	mqttConsumer  *ingress.MQTTConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTrackingService 创建跟踪服务
func NewTrackingService(cfg *config.Config, logger *zap.Logger) (*TrackingService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	operators, err := config.LoadOperators(cfg.Tracking.StrategyFile)
	if err != nil {
		_ = database.Close(db)
		_ = rediscommon.Close(redisClient)
		return nil, err
	}

	s := &TrackingService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		metrics:     metrics.NewCollector(),
	}

	// 创建Repository
	busRepo := repository.NewBusRepository(db, logger)
	routeRepo := repository.NewRouteRepository(db, logger)
	fullRouteRepo := repository.NewFullRouteRepository(db, logger)
	ruleRepo := repository.NewCompanyRuleRepository(db, logger)
	locationRepo := repository.NewBusLocationRepository(db, logger)

	positions := store.NewRedisPositionStore(redisClient)
	ruleEngine := rules.NewEngine(ruleRepo, logger)
	registry := inference.NewRegistry(operators, cfg.Tracking.StopProximityMeters)
	inferenceEngine := inference.NewEngine(registry, cfg.Tracking.StopProximityMeters, logger)
	geometryEngine := geometry.NewEngine(fullRouteRepo, cfg.Tracking.AverageSpeedKmh, logger)
	selector := selection.NewSelector(positions, logger)

	s.hub = broadcast.NewHub(positions, selector, s.metrics, logger)
	s.snapshots = snapshot.NewWriter(locationRepo, cfg.Tracking.SnapshotInterval, s.metrics, logger)

	publishers := []tracking.Publisher{
		publisher.NewStreamPublisher(redisClient, cfg.Publish.PositionStream, publisher.DefaultStreamMaxLen),
	}
	if cfg.Publish.NATSEnabled {
		s.nats, err = publisher.NewNATSPublisher(&cfg.NATS, s.metrics, logger)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		publishers = append(publishers, s.nats)
	}

	s.tracker = tracking.NewService(tracking.Deps{
		Buses:       busRepo,
		Routes:      routeRepo,
		Positions:   positions,
		Rules:       ruleEngine,
		Inference:   inferenceEngine,
		Geometry:    geometryEngine,
		Selector:    selector,
		Snapshots:   s.snapshots,
		Broadcaster: s.hub,
		Publishers:  publishers,
		Metrics:     s.metrics,
	}, tracking.Options{
		LocationTTL:         cfg.Tracking.LocationTTL,
		NearestRadiusMeters: cfg.Tracking.NearestRadiusMeters,
	}, logger)

	s.daily = scheduler.NewDaily("clear-tracking-data", cfg.Location(), s.tracker.Clear, logger)
	s.tcpServer = ingress.NewTCPServer(cfg.Server.TCPAddr, s.tracker, logger)

	if cfg.Ingress.MQTTEnabled {
		s.mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		s.mqttConsumer = ingress.NewMQTTConsumer(s.mqttClient, cfg.Ingress.MQTTTopic, cfg.MQTT.QoS, s.tracker, logger)
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Tracker:    s.tracker,
		Hub:        s.hub,
		Rules:      ruleEngine,
		Geometry:   geometryEngine,
		Selector:   selector,
		Strategies: registry,
		Metrics:    s.metrics,
		Checks:     s.healthChecks(),
	}, logger)
	s.httpServer = NewServer(cfg.Server.HTTPAddr, httpapi.NewRouter(handler), logger)

	return s, nil
}

func (s *TrackingService) healthChecks() map[string]httpapi.HealthCheck {
	checks := map[string]httpapi.HealthCheck{
		"database": func(ctx context.Context) error { return database.Ping(ctx, s.db) },
		"redis":    func(ctx context.Context) error { return rediscommon.Ping(ctx, s.redisClient) },
	}
	if s.mqttClient != nil {
		checks["mqtt"] = func(context.Context) error {
			if !s.mqttClient.IsConnected() {
				return errors.New("mqtt disconnected")
			}
			return nil
		}
	}
	return checks
}

// Start 启动全部组件；HTTP 服务在后台运行
func (s *TrackingService) Start(ctx context.Context) error {
	s.logger.Info("Starting tracking service components")
	ctx, s.cancel = context.WithCancel(ctx)

	s.snapshots.Start(ctx)

	if err := s.tcpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tcp listener: %w", err)
	}
	if s.mqttConsumer != nil {
		if err := s.mqttConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt consumer: %w", err)
		}
	}

	s.metricsServer = s.metrics.Serve(s.config.Server.MetricsAddr, s.logger)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.hub.RunCatchUp(ctx, s.config.Tracking.CatchUpInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.daily.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("Tracking service started successfully")
	return nil
}

// Stop 停止服务：先停入口，再等待后台任务与快照队列排空
func (s *TrackingService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping tracking service")

	if err := s.httpServer.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if s.mqttConsumer != nil {
		_ = s.mqttConsumer.Stop(ctx)
	}
	if err := s.tcpServer.Stop(ctx); err != nil {
		s.logger.Error("Error stopping TCP listener", zap.Error(err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error stopping metrics server", zap.Error(err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.snapshots.Wait()

	s.closeClients()
	s.logger.Info("Tracking service stopped")
	return nil
}

func (s *TrackingService) closeClients() {
	if s.nats != nil {
		s.nats.Close()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}
}
