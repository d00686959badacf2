package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	logpkg "bustrack/common/logger"
	"bustrack/internal/config"
	"bustrack/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	logger, err := logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, "bustrack")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting bustrack service",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("tcp_addr", cfg.Server.TCPAddr),
		zap.Bool("mqtt_enabled", cfg.Ingress.MQTTEnabled),
		zap.Bool("nats_enabled", cfg.Publish.NATSEnabled),
		zap.Duration("location_ttl", cfg.Tracking.LocationTTL),
	)

	// 创建服务
	trackingService, err := service.NewTrackingService(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create tracking service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := trackingService.Start(ctx); err != nil {
		logger.Fatal("Failed to start tracking service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := trackingService.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Service stopped")
}
