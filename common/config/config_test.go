package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "db.internal")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("DB_NAME", "transit")
	os.Setenv("DB_MAX_CONNS", "not-a-number")
	os.Setenv("DB_CONN_MAX_LIFETIME", "15m")

	cfg := DatabaseConfig{Port: 5432, MaxConns: 10, SSLMode: "disable"}
	cfg.LoadFromEnv("DB")

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "transit", cfg.Database)
	assert.Equal(t, 10, cfg.MaxConns, "invalid numbers keep the previous value")
	assert.Equal(t, 15*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, "host=db.internal port=6543 user= password= dbname=transit sslmode=disable", cfg.GetDSN())
}

func TestRedisAndMQTTConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("REDIS_ADDR", "cache:6380")
	os.Setenv("REDIS_DB", "2")
	os.Setenv("REDIS_POOL_SIZE", "0")
	os.Setenv("MQTT_BROKER", "tcp://broker:1883")
	os.Setenv("MQTT_QOS", "7")

	r := RedisConfig{PoolSize: 8}
	r.LoadFromEnv("REDIS")
	assert.Equal(t, "cache:6380", r.Addr)
	assert.Equal(t, 2, r.DB)
	assert.Equal(t, 8, r.PoolSize, "non-positive pool size is ignored")

	m := MQTTConfig{QoS: 1}
	m.LoadFromEnv("MQTT")
	assert.Equal(t, "tcp://broker:1883", m.Broker)
	assert.Equal(t, byte(1), m.QoS, "out of range QoS is ignored")
}

func TestNATSConfig_LoadFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("NATS_URL", "nats://nats:4222")
	os.Setenv("NATS_TIMEOUT", "3s")

	var n NATSConfig
	n.LoadFromEnv("NATS")
	assert.Equal(t, "nats://nats:4222", n.URL)
	assert.Equal(t, 3*time.Second, n.Timeout)
}
