package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"bustrack/common/config"

	"github.com/joho/godotenv"
)

// Config 跟踪服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	NATS     config.NATSConfig

	Server struct {
		HTTPAddr    string
		TCPAddr     string
		MetricsAddr string
	}

	Tracking struct {
		LocationTTL         time.Duration // 位置缓存 TTL，默认 24h
		SnapshotInterval    time.Duration // 同一设备快照落库间隔，默认 30m
		CatchUpInterval     time.Duration // 补推间隔，默认 5s
		ClearTimezone       string        // 每日清空所用时区
		NearestRadiusMeters float64
		StopProximityMeters float64
		AverageSpeedKmh     float64
		StrategyFile        string // 运营商策略 YAML，可选
	}

	Ingress struct {
		MQTTEnabled bool
		MQTTTopic   string
	}

	Publish struct {
		NATSEnabled    bool
		PositionStream string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（.env 可选）
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "bustrack")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 20
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "bustrack")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.NATS.URL = getEnv("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATS.Name = "bustrack"
	cfg.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", "bus.position")
	cfg.NATS.Timeout = 5 * time.Second
	cfg.NATS.LoadFromEnv("NATS")

	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", ":8080")
	cfg.Server.TCPAddr = getEnv("TCP_ADDR", ":8081")
	cfg.Server.MetricsAddr = getEnv("METRICS_ADDR", ":9100")

	var err error
	if cfg.Tracking.LocationTTL, err = getDuration("LOCATION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Tracking.SnapshotInterval, err = getDuration("SNAPSHOT_INTERVAL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Tracking.CatchUpInterval, err = getDuration("CATCHUP_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	cfg.Tracking.ClearTimezone = getEnv("CLEAR_TIMEZONE", "Africa/Johannesburg")
	if _, err := time.LoadLocation(cfg.Tracking.ClearTimezone); err != nil {
		return nil, fmt.Errorf("invalid CLEAR_TIMEZONE %q: %w", cfg.Tracking.ClearTimezone, err)
	}
	if cfg.Tracking.NearestRadiusMeters, err = getFloat("NEAREST_RADIUS_METERS", 10000); err != nil {
		return nil, err
	}
	if cfg.Tracking.StopProximityMeters, err = getFloat("STOP_PROXIMITY_METERS", 30); err != nil {
		return nil, err
	}
	if cfg.Tracking.AverageSpeedKmh, err = getFloat("AVERAGE_SPEED_KMH", 30); err != nil {
		return nil, err
	}
	cfg.Tracking.StrategyFile = getEnv("STRATEGY_FILE", "")

	cfg.Ingress.MQTTEnabled = getBool("MQTT_ENABLED", false)
	cfg.Ingress.MQTTTopic = getEnv("MQTT_TOPIC_PACKETS", "tracker/+/packet")

	cfg.Publish.NATSEnabled = getBool("NATS_ENABLED", false)
	cfg.Publish.PositionStream = getEnv("POSITION_STREAM", "bus:position:stream")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// Location 每日清空所用时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Tracking.ClearTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}
