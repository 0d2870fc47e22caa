package config

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mqtt-capture/internal/discovery"
	"mqtt-capture/internal/topic"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. MQTT_CAPTURE_SINK_PATH overrides sink.path.
const EnvPrefix = "MQTT_CAPTURE"

type Config struct {
	Brokers    []BrokerConfig   `mapstructure:"brokers"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Session    SessionConfig    `mapstructure:"session"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Buffer     BufferConfig     `mapstructure:"buffer"`
	FanIn      FanInConfig      `mapstructure:"fanIn"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Logging    LogConfig        `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Protocol selects the wire protocol spoken to a broker.
type Protocol string

const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolNATS Protocol = "nats"
)

// BrokerConfig describes one upstream broker. It is immutable once loaded.
type BrokerConfig struct {
	ID             string    `mapstructure:"id"`
	Protocol       Protocol  `mapstructure:"protocol"`
	Host           string    `mapstructure:"host"`
	Port           int       `mapstructure:"port"`
	TLS            TLSConfig `mapstructure:"tls"`
	Filters        []string  `mapstructure:"filters"`
	MaxQoS         byte      `mapstructure:"maxQos"`
	Username       string    `mapstructure:"username"`
	Password       string    `mapstructure:"password"`
	ClientIDPrefix string    `mapstructure:"clientIdPrefix"`
}

type TLSConfig struct {
	Enable             bool   `mapstructure:"enable"`
	CAFile             string `mapstructure:"caFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

type DiscoveryConfig struct {
	File string `mapstructure:"file"` // optional topic filter set produced by discovery
}

type SessionConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribeTimeout"`
	KeepAlive        time.Duration `mapstructure:"keepAlive"`
	Quiesce          time.Duration `mapstructure:"quiesce"`
}

type SupervisorConfig struct {
	MinBackoff      time.Duration `mapstructure:"minBackoff"`
	MaxBackoff      time.Duration `mapstructure:"maxBackoff"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
	StabilityPeriod time.Duration `mapstructure:"stabilityPeriod"`
}

// OverflowPolicy decides which message is discarded when a buffer is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	OverflowDropNewest OverflowPolicy = "drop-newest"
)

type BufferConfig struct {
	Capacity int            `mapstructure:"capacity"`
	Overflow OverflowPolicy `mapstructure:"overflow"`
}

type FanInConfig struct {
	Workers    int           `mapstructure:"workers"`
	DrainGrace time.Duration `mapstructure:"drainGrace"`
}

type SinkConfig struct {
	Type          string        `mapstructure:"type"`        // file, sqlite or redis
	Path          string        `mapstructure:"path"`        // file or sqlite database path
	Format        string        `mapstructure:"format"`      // csv, jsonl or cbor
	Compression   string        `mapstructure:"compression"` // none or zstd
	FlushInterval time.Duration `mapstructure:"flushInterval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"maxLen"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	OutputPath string `mapstructure:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `mapstructure:"encoding"`   // json or console

	// Rotation of file output
	MaxSize    int  `mapstructure:"maxSize"` // megabytes
	MaxAge     int  `mapstructure:"maxAge"`  // days
	MaxBackups int  `mapstructure:"maxBackups"`
	Compress   bool `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Address        string        `mapstructure:"address"`
	Path           string        `mapstructure:"path"`
	UpdateInterval time.Duration `mapstructure:"updateInterval"`
}

// ConfigError reports an invalid configuration. It is fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// setDefaults registers every default with viper so env overrides and
// Unmarshal see the full key set.
func setDefaults(v *viper.Viper) {
	v.SetDefault("session.connectTimeout", 10*time.Second)
	v.SetDefault("session.subscribeTimeout", 10*time.Second)
	v.SetDefault("session.keepAlive", 60*time.Second)
	v.SetDefault("session.quiesce", 250*time.Millisecond)

	v.SetDefault("supervisor.minBackoff", time.Second)
	v.SetDefault("supervisor.maxBackoff", 2*time.Minute)
	v.SetDefault("supervisor.multiplier", 2.0)
	v.SetDefault("supervisor.jitter", 0.1)
	v.SetDefault("supervisor.stabilityPeriod", 30*time.Second)

	v.SetDefault("buffer.capacity", 10000)
	v.SetDefault("buffer.overflow", string(OverflowDropOldest))

	v.SetDefault("fanIn.workers", 2)
	v.SetDefault("fanIn.drainGrace", 5*time.Second)

	v.SetDefault("sink.type", "file")
	v.SetDefault("sink.path", "mqtt_captured_data.csv")
	v.SetDefault("sink.format", "csv")
	v.SetDefault("sink.compression", "none")
	v.SetDefault("sink.flushInterval", time.Second)
	v.SetDefault("sink.redis.stream", "mqtt-capture")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.maxSize", 100)
	v.SetDefault("logging.maxAge", 28)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":2112")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.updateInterval", 15*time.Second)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyBrokerDefaults()

	if config.Discovery.File != "" {
		if err := config.MergeDiscovery(config.Discovery.File); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyBrokerDefaults() {
	if c.FanIn.Workers <= 0 {
		c.FanIn.Workers = runtime.NumCPU()
	}
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.Protocol == "" {
			b.Protocol = ProtocolMQTT
		}
		if b.Port == 0 {
			b.Port = b.DefaultPort()
		}
		if b.ClientIDPrefix == "" {
			b.ClientIDPrefix = "mqtt-capture-"
		}
	}
}

// MergeDiscovery adds the filters proposed by topic discovery to each
// broker's filter set. A discovered broker id missing from the config is
// a configuration error.
func (c *Config) MergeDiscovery(path string) error {
	fs, err := discovery.Load(path)
	if err != nil {
		return &ConfigError{Field: "discovery.file", Err: err}
	}
	for _, id := range fs.Brokers() {
		b, ok := c.Broker(id)
		if !ok {
			return configErrorf("discovery.file", "unknown broker id %q", id)
		}
		b.Filters = fs.Merge(id, b.Filters)
	}
	return nil
}

// DefaultPort returns the well-known port for the broker's protocol.
func (b *BrokerConfig) DefaultPort() int {
	switch {
	case b.Protocol == ProtocolNATS:
		return 4222
	case b.TLS.Enable:
		return 8883
	default:
		return 1883
	}
}

// Address returns host:port.
func (b *BrokerConfig) Address() string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
}

// URL returns the broker URL in the form expected by the protocol clients.
func (b *BrokerConfig) URL() string {
	scheme := "tcp"
	switch {
	case b.Protocol == ProtocolNATS && b.TLS.Enable:
		scheme = "tls"
	case b.Protocol == ProtocolNATS:
		scheme = "nats"
	case b.TLS.Enable:
		scheme = "ssl"
	}
	return scheme + "://" + b.Address()
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return configErrorf("brokers", "at least one broker is required")
	}

	seen := make(map[string]struct{}, len(c.Brokers))
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if err := ValidateBroker(b); err != nil {
			return err
		}
		if _, dup := seen[b.ID]; dup {
			return configErrorf("brokers", "duplicate broker id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
	}

	if c.Session.ConnectTimeout <= 0 {
		return configErrorf("session.connectTimeout", "must be positive")
	}
	if c.Session.SubscribeTimeout <= 0 {
		return configErrorf("session.subscribeTimeout", "must be positive")
	}

	s := c.Supervisor
	if s.MinBackoff <= 0 {
		return configErrorf("supervisor.minBackoff", "must be positive")
	}
	if s.MaxBackoff < s.MinBackoff {
		return configErrorf("supervisor.maxBackoff", "must be >= minBackoff")
	}
	if s.Multiplier < 1 {
		return configErrorf("supervisor.multiplier", "must be >= 1")
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return configErrorf("supervisor.jitter", "must be in [0, 1)")
	}

	if c.Buffer.Capacity < 1 {
		return configErrorf("buffer.capacity", "must be greater than 0")
	}
	switch c.Buffer.Overflow {
	case OverflowDropOldest, OverflowDropNewest:
	default:
		return configErrorf("buffer.overflow", "unknown policy %q", c.Buffer.Overflow)
	}

	if c.FanIn.Workers < 1 {
		return configErrorf("fanIn.workers", "must be greater than 0")
	}
	if c.FanIn.DrainGrace < 0 {
		return configErrorf("fanIn.drainGrace", "must not be negative")
	}

	if err := c.Sink.validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return configErrorf("logging.level", "invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return configErrorf("logging.encoding", "invalid log encoding: %s", c.Logging.Encoding)
	}
	if c.Logging.MaxSize < 0 || c.Logging.MaxAge < 0 || c.Logging.MaxBackups < 0 {
		return configErrorf("logging", "rotation limits must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.UpdateInterval <= 0 {
		return configErrorf("metrics.updateInterval", "must be positive")
	}

	return nil
}

func (s *SinkConfig) validate() error {
	switch s.Type {
	case "file":
		if s.Path == "" {
			return configErrorf("sink.path", "required for file sink")
		}
		switch s.Format {
		case "csv", "jsonl", "cbor":
		default:
			return configErrorf("sink.format", "unknown format %q", s.Format)
		}
		switch s.Compression {
		case "", "none", "zstd":
		default:
			return configErrorf("sink.compression", "unknown compression %q", s.Compression)
		}
	case "sqlite":
		if s.Path == "" {
			return configErrorf("sink.path", "required for sqlite sink")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return configErrorf("sink.redis.addr", "required for redis sink")
		}
		if s.Redis.Stream == "" {
			return configErrorf("sink.redis.stream", "required for redis sink")
		}
	default:
		return configErrorf("sink.type", "unknown sink type %q", s.Type)
	}
	if s.FlushInterval <= 0 {
		return configErrorf("sink.flushInterval", "must be positive")
	}
	return nil
}

// ValidateBroker checks the structural validity of a single broker config:
// identity, host syntax, port range, QoS and filter set.
func ValidateBroker(b *BrokerConfig) error {
	field := fmt.Sprintf("brokers[%s]", b.ID)
	if b.ID == "" {
		return configErrorf("brokers", "broker id is required")
	}
	switch b.Protocol {
	case ProtocolMQTT, ProtocolNATS:
	default:
		return configErrorf(field, "unknown protocol %q", b.Protocol)
	}
	if err := validateHost(b.Host); err != nil {
		return &ConfigError{Field: field + ".host", Err: err}
	}
	if b.Port < 1 || b.Port > 65535 {
		return configErrorf(field+".port", "port %d out of range", b.Port)
	}
	if b.MaxQoS > 2 {
		return configErrorf(field+".maxQos", "qos %d out of range", b.MaxQoS)
	}
	if b.TLS.Enable && (b.TLS.CertFile == "") != (b.TLS.KeyFile == "") {
		return configErrorf(field+".tls", "certFile and keyFile must be set together")
	}
	if len(b.Filters) == 0 {
		return configErrorf(field+".filters", "filter set is empty")
	}
	for _, f := range b.Filters {
		if err := topic.ValidateFilter(f); err != nil {
			return &ConfigError{Field: field + ".filters", Err: fmt.Errorf("%q: %w", f, err)}
		}
		if b.Protocol == ProtocolNATS {
			if err := validateNATSFilter(f); err != nil {
				return &ConfigError{Field: field + ".filters", Err: fmt.Errorf("%q: %w", f, err)}
			}
		}
	}
	return nil
}

// validateNATSFilter rejects NATS wildcard levels. Filters are written in
// MQTT form for every protocol and translated, so a literal "*" or ">"
// level would silently become a NATS wildcard.
func validateNATSFilter(filter string) error {
	for _, level := range strings.Split(filter, "/") {
		switch level {
		case "*":
			return errors.New(`NATS wildcard "*" used as a level, use "+"`)
		case ">":
			return errors.New(`NATS wildcard ">" used as a level, use "#"`)
		}
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("host is required")
	}
	if strings.Contains(host, "://") {
		return fmt.Errorf("host %q must not include a scheme", host)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("host %q too long", host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid host %q", host)
		}
		for _, r := range label {
			ok := r == '-' || r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
			if !ok {
				return fmt.Errorf("invalid character %q in host %q", r, host)
			}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("invalid host %q", host)
		}
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(workers, capacity int, sinkPath, logLevel, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if workers > 0 {
		c.FanIn.Workers = workers
	}
	if capacity > 0 {
		c.Buffer.Capacity = capacity
	}
	if sinkPath != "" {
		c.Sink.Path = sinkPath
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval
	}
}

// Broker returns the broker config with the given id.
func (c *Config) Broker(id string) (*BrokerConfig, bool) {
	for i := range c.Brokers {
		if c.Brokers[i].ID == id {
			return &c.Brokers[i], true
		}
	}
	return nil, false
}
