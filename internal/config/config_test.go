package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
gateway:
  id: gw-1
  client_id: client
  client_secret: secret
auth:
  base_url: http://auth.local
device_api:
  base_url: http://api.local
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8087", cfg.InfluxDB.URL)
	require.Equal(t, "SignalTelemetryData", cfg.InfluxDB.Bucket)
	require.Equal(t, "WMIND", cfg.InfluxDB.Org)
	require.Equal(t, "telemetry_queue", cfg.RabbitMQ.QueueName)
	require.Equal(t, 5672, cfg.RabbitMQ.Port)
	require.Equal(t, 10, cfg.Modbus.MaxConcurrentPolls)
	require.Equal(t, 30, cfg.Cache.ConfigurationsMinutes)
	require.Equal(t, 5, cfg.Forwarder.IntervalSeconds)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://influx:8086")
	t.Setenv("RABBITMQ_PORT", "5673")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "http://influx:8086", cfg.InfluxDB.URL)
	require.Equal(t, 5673, cfg.RabbitMQ.Port)
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(writeConfig(t, `
gateway:
  id: gw-1
`))
	require.Error(t, err)
}

func TestRabbitURL(t *testing.T) {
	cfg := RabbitConfig{Host: "mq", Port: 5672, UserName: "u", Password: "p", VirtualHost: "/"}
	require.Equal(t, "amqp://u:p@mq:5672/", cfg.URL())
}
