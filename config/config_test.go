package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
brokers:
  - id: hivemq
    host: broker.hivemq.com
    filters: ["#"]
  - id: nats-local
    protocol: nats
    host: 127.0.0.1
    filters: ["telemetry/+/temp"]
sink:
  path: out.csv
`

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Brokers, 2)
	hive := cfg.Brokers[0]
	assert.Equal(t, ProtocolMQTT, hive.Protocol)
	assert.Equal(t, 1883, hive.Port)
	assert.Equal(t, "tcp://broker.hivemq.com:1883", hive.URL())
	assert.Equal(t, "mqtt-capture-", hive.ClientIDPrefix)

	nats := cfg.Brokers[1]
	assert.Equal(t, 4222, nats.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", nats.URL())

	assert.Equal(t, 10*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Supervisor.MinBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Supervisor.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.StabilityPeriod)
	assert.Equal(t, 10000, cfg.Buffer.Capacity)
	assert.Equal(t, OverflowDropOldest, cfg.Buffer.Overflow)
	assert.Equal(t, 2, cfg.FanIn.Workers)
	assert.Equal(t, "file", cfg.Sink.Type)
	assert.Equal(t, "out.csv", cfg.Sink.Path)
	assert.Equal(t, "csv", cfg.Sink.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":2112", cfg.Metrics.Address)
	assert.Equal(t, 15*time.Second, cfg.Metrics.UpdateInterval)
	assert.True(t, cfg.Metrics.Enabled, "status and metrics are served by default")
	assert.Equal(t, 100, cfg.Logging.MaxSize)
	assert.Equal(t, 5, cfg.Logging.MaxBackups)
}

func TestLoadDurationsAndEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", validYAML+`
session:
  connectTimeout: 3s
supervisor:
  minBackoff: 500ms
  maxBackoff: 10s
buffer:
  overflow: drop-newest
`)
	t.Setenv("MQTT_CAPTURE_BUFFER_CAPACITY", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.MinBackoff)
	assert.Equal(t, OverflowDropNewest, cfg.Buffer.Overflow)
	assert.Equal(t, 42, cfg.Buffer.Capacity)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{
  "brokers": [{"id": "emqx", "host": "broker.emqx.io", "port": 1883, "filters": ["root/#"]}],
  "sink": {"type": "sqlite", "path": "capture.db"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Sink.Type)
	assert.Equal(t, []string{"root/#"}, cfg.Brokers[0].Filters)
}

func TestLoadWithDiscovery(t *testing.T) {
	dir := t.TempDir()
	topics := writeFile(t, dir, "topics.yaml", "hivemq:\n  - devices/+/status\n  - \"#\"\n")
	path := writeFile(t, dir, "config.yaml", `
brokers:
  - id: hivemq
    host: broker.hivemq.com
discovery:
  file: `+topics+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"devices/+/status", "#"}, cfg.Brokers[0].Filters)

	unknown := writeFile(t, dir, "unknown.yaml", "mosquitto:\n  - a/#\n")
	path = writeFile(t, dir, "config2.yaml", `
brokers:
  - id: hivemq
    host: broker.hivemq.com
    filters: ["#"]
discovery:
  file: `+unknown+"\n")

	_, err = Load(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "discovery.file", cfgErr.Field)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, dir, "empty.yaml", "sink:\n  path: x.csv\n")
	_, err = Load(path)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "brokers", cfgErr.Field)
}

func validConfig() *Config {
	return &Config{
		Brokers: []BrokerConfig{{
			ID:       "a",
			Protocol: ProtocolMQTT,
			Host:     "localhost",
			Port:     1883,
			Filters:  []string{"a/#"},
		}},
		Session:    SessionConfig{ConnectTimeout: time.Second, SubscribeTimeout: time.Second},
		Supervisor: SupervisorConfig{MinBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2},
		Buffer:     BufferConfig{Capacity: 10, Overflow: OverflowDropOldest},
		FanIn:      FanInConfig{Workers: 1},
		Sink:       SinkConfig{Type: "file", Path: "x.csv", Format: "csv", FlushInterval: time.Second},
		Logging:    LogConfig{Level: "info", Encoding: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		field   string
		wantErr bool
	}{
		{"valid", func(c *Config) {}, "", false},
		{"duplicate id", func(c *Config) { c.Brokers = append(c.Brokers, c.Brokers[0]) }, "brokers", true},
		{"missing id", func(c *Config) { c.Brokers[0].ID = "" }, "brokers", true},
		{"scheme in host", func(c *Config) { c.Brokers[0].Host = "tcp://localhost" }, "brokers[a].host", true},
		{"bad host char", func(c *Config) { c.Brokers[0].Host = "local host" }, "brokers[a].host", true},
		{"ipv6 host", func(c *Config) { c.Brokers[0].Host = "::1" }, "", false},
		{"port range", func(c *Config) { c.Brokers[0].Port = 70000 }, "brokers[a].port", true},
		{"qos range", func(c *Config) { c.Brokers[0].MaxQoS = 3 }, "brokers[a].maxQos", true},
		{"empty filters", func(c *Config) { c.Brokers[0].Filters = nil }, "brokers[a].filters", true},
		{"bad filter", func(c *Config) { c.Brokers[0].Filters = []string{"a/#/b"} }, "brokers[a].filters", true},
		{"unknown protocol", func(c *Config) { c.Brokers[0].Protocol = "amqp" }, "brokers[a]", true},
		{"half tls pair", func(c *Config) {
			c.Brokers[0].TLS = TLSConfig{Enable: true, CertFile: "c.pem"}
		}, "brokers[a].tls", true},
		{"backoff order", func(c *Config) { c.Supervisor.MaxBackoff = time.Millisecond }, "supervisor.maxBackoff", true},
		{"jitter", func(c *Config) { c.Supervisor.Jitter = 1 }, "supervisor.jitter", true},
		{"capacity", func(c *Config) { c.Buffer.Capacity = 0 }, "buffer.capacity", true},
		{"overflow", func(c *Config) { c.Buffer.Overflow = "block" }, "buffer.overflow", true},
		{"sink type", func(c *Config) { c.Sink.Type = "kafka" }, "sink.type", true},
		{"sink format", func(c *Config) { c.Sink.Format = "parquet" }, "sink.format", true},
		{"redis addr", func(c *Config) { c.Sink.Type = "redis"; c.Sink.Redis.Stream = "s" }, "sink.redis.addr", true},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level", true},
		{"metrics interval", func(c *Config) { c.Metrics.Enabled = true }, "metrics.updateInterval", true},
		{"log rotation", func(c *Config) { c.Logging.MaxSize = -1 }, "logging", true},
		{"nats tail wildcard", func(c *Config) {
			c.Brokers[0].Protocol = ProtocolNATS
			c.Brokers[0].Filters = []string{"telemetry/>"}
		}, "brokers[a].filters", true},
		{"nats single wildcard", func(c *Config) {
			c.Brokers[0].Protocol = ProtocolNATS
			c.Brokers[0].Filters = []string{"devices/*/status"}
		}, "brokers[a].filters", true},
		{"nats mqtt wildcards", func(c *Config) {
			c.Brokers[0].Protocol = ProtocolNATS
			c.Brokers[0].Filters = []string{"devices/+/status", "telemetry/#"}
		}, "", false},
		{"mqtt literal star level", func(c *Config) { c.Brokers[0].Filters = []string{"a/*/b"} }, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "want *ConfigError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyOverrides(8, 500, "override.csv", "debug", ":9090", "/m", 5*time.Second)

	assert.Equal(t, 8, cfg.FanIn.Workers)
	assert.Equal(t, 500, cfg.Buffer.Capacity)
	assert.Equal(t, "override.csv", cfg.Sink.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, "/m", cfg.Metrics.Path)
	assert.Equal(t, 5*time.Second, cfg.Metrics.UpdateInterval)

	// zero values leave config untouched
	cfg.ApplyOverrides(0, 0, "", "", "", "", 0)
	assert.Equal(t, 8, cfg.FanIn.Workers)
}

func TestBrokerURL(t *testing.T) {
	b := BrokerConfig{Protocol: ProtocolMQTT, Host: "broker.emqx.io", TLS: TLSConfig{Enable: true}}
	b.Port = b.DefaultPort()
	assert.Equal(t, "ssl://broker.emqx.io:8883", b.URL())

	b = BrokerConfig{Protocol: ProtocolNATS, Host: "::1", Port: 4222, TLS: TLSConfig{Enable: true}}
	assert.Equal(t, "tls://[::1]:4222", b.URL())
}
