package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bustrack/internal/inference"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "bustrack", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "bus.position", cfg.NATS.SubjectPrefix)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":8081", cfg.Server.TCPAddr)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)

	assert.Equal(t, 24*time.Hour, cfg.Tracking.LocationTTL)
	assert.Equal(t, 30*time.Minute, cfg.Tracking.SnapshotInterval)
	assert.Equal(t, 5*time.Second, cfg.Tracking.CatchUpInterval)
	assert.Equal(t, "Africa/Johannesburg", cfg.Tracking.ClearTimezone)
	assert.Equal(t, 10000.0, cfg.Tracking.NearestRadiusMeters)
	assert.Equal(t, 30.0, cfg.Tracking.StopProximityMeters)
	assert.Equal(t, 30.0, cfg.Tracking.AverageSpeedKmh)

	assert.False(t, cfg.Ingress.MQTTEnabled)
	assert.Equal(t, "tracker/+/packet", cfg.Ingress.MQTTTopic)
	assert.False(t, cfg.Publish.NATSEnabled)
	assert.Equal(t, "bus:position:stream", cfg.Publish.PositionStream)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "db")
	os.Setenv("DB_PORT", "6543")
	os.Setenv("REDIS_ADDR", "redis:6380")
	os.Setenv("REDIS_DB", "2")
	os.Setenv("LOCATION_TTL", "12h")
	os.Setenv("CATCHUP_INTERVAL", "2s")
	os.Setenv("STOP_PROXIMITY_METERS", "45")
	os.Setenv("MQTT_ENABLED", "true")
	os.Setenv("NATS_ENABLED", "1")
	os.Setenv("NATS_SUBJECT_PREFIX", "fleet")
	os.Setenv("CLEAR_TIMEZONE", "UTC")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 12*time.Hour, cfg.Tracking.LocationTTL)
	assert.Equal(t, 2*time.Second, cfg.Tracking.CatchUpInterval)
	assert.Equal(t, 45.0, cfg.Tracking.StopProximityMeters)
	assert.True(t, cfg.Ingress.MQTTEnabled)
	assert.True(t, cfg.Publish.NATSEnabled)
	assert.Equal(t, "fleet", cfg.NATS.SubjectPrefix)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"LOCATION_TTL":          "forever",
		"STOP_PROXIMITY_METERS": "-3",
		"CLEAR_TIMEZONE":        "Mars/Olympus",
	}
	for key, value := range cases {
		os.Clearenv()
		os.Setenv(key, value)
		_, err := Load()
		assert.Error(t, err, key)
	}
	os.Clearenv()
}

func TestLoadOperators(t *testing.T) {
	ops, err := LoadOperators("")
	require.NoError(t, err)
	assert.Equal(t, inference.BuiltinOperators(), ops)

	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
operators:
  - name: Putco
    strategy: default
  - name: Metro Bus
    strategy: terminal-proximity
    smart_selection: false
`), 0o600))

	ops, err = LoadOperators(path)
	require.NoError(t, err)
	require.Len(t, ops, 4)

	reg := inference.NewRegistry(ops, 30)
	assert.Equal(t, "Default", reg.Lookup("putco").Name())
	assert.False(t, reg.Lookup("Metro Bus").SupportsSmartSelection())
	assert.True(t, reg.Lookup("Rea Vaya").SupportsSmartSelection())
}

func TestLoadOperators_Invalid(t *testing.T) {
	_, err := parseOperators([]byte("operators:\n  - name: X\n    strategy: teleport\n"), nil)
	assert.Error(t, err)

	_, err = parseOperators([]byte("operators:\n  - strategy: default\n"), nil)
	assert.Error(t, err)

	_, err = parseOperators([]byte("operators: ["), nil)
	assert.Error(t, err)

	_, err = LoadOperators("/nonexistent/strategies.yaml")
	assert.Error(t, err)
}
