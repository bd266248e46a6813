package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the middts core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Causal    CausalConfig    `yaml:"causal"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	TSDB      TSDBConfig      `yaml:"tsdb"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig contains SQLite entity store settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// GatewayConfig contains gateway authentication and connection pool settings.
type GatewayConfig struct {
	// TokenTTL is how long a login token is reused. Kept below the
	// gateway's own 24h expiry.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// LoginBackoffBase is the first delay after a failed login; it doubles
	// per consecutive failure up to LoginBackoffMax.
	LoginBackoffBase time.Duration `yaml:"login_backoff_base"`
	LoginBackoffMax  time.Duration `yaml:"login_backoff_max"`

	StatusPollTimeout      time.Duration `yaml:"status_poll_timeout"`
	BestEffortWriteTimeout time.Duration `yaml:"best_effort_write_timeout"`
	UltraLowLatencyTimeout time.Duration `yaml:"ultra_low_latency_timeout"`

	// MaxConnsPerGateway caps open connections held by one gateway's client.
	MaxConnsPerGateway int `yaml:"max_conns_per_gateway"`
}

// LivenessConfig contains device liveness monitor settings.
type LivenessConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// TelemetryConfig contains telemetry listener settings.
type TelemetryConfig struct {
	Enabled            bool          `yaml:"enabled"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
}

// CausalConfig contains causal property sync settings.
type CausalConfig struct {
	// Driver enables the periodic writer that pushes generated values into
	// causal properties (load generation and latency measurement).
	Driver         bool          `yaml:"driver"`
	DriverInterval time.Duration `yaml:"driver_interval"`
	InstanceIDs    []int64       `yaml:"instance_ids"`
}

// AuditConfig controls the sync event history kept in the database.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig selects the time-series sink for latency/availability samples.
type MetricsConfig struct {
	// Sink is one of "influxdb", "tsdb" or "none".
	Sink        string        `yaml:"sink"`
	Source      string        `yaml:"source"`
	EmitTimeout time.Duration `yaml:"emit_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// TSDBConfig contains settings for the plain HTTP line-protocol writer.
type TSDBConfig struct {
	// URL is the base URL; WritePath is appended for writes ("/write" for
	// VictoriaMetrics, "/api/v2/write?org=..&bucket=..&precision=ms" for InfluxDB v2).
	URL           string `yaml:"url"`
	WritePath     string `yaml:"write_path"`
	Token         string `yaml:"token"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains the ops HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MIDDTS_SECTION_KEY
// For example: MIDDTS_DATABASE_PATH, MIDDTS_INFLUXDB_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
// It is also used when the process runs without a config file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/middts.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Gateway: GatewayConfig{
			TokenTTL:               23 * time.Hour,
			LoginBackoffBase:       time.Second,
			LoginBackoffMax:        60 * time.Second,
			StatusPollTimeout:      3 * time.Second,
			BestEffortWriteTimeout: 7 * time.Second,
			UltraLowLatencyTimeout: 80 * time.Millisecond,
			MaxConnsPerGateway:     8,
		},
		Liveness: LivenessConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			Concurrency: 50,
		},
		Telemetry: TelemetryConfig{
			Enabled:            true,
			SupervisorInterval: 10 * time.Second,
			ReadTimeout:        10 * time.Minute,
			ReconnectMax:       60 * time.Second,
		},
		Causal: CausalConfig{
			DriverInterval: 5 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Sink:        "none",
			Source:      "middts",
			EmitTimeout: time.Second,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 1,
		},
		TSDB: TSDBConfig{
			WritePath:     "/write",
			BatchSize:     500,
			FlushInterval: 1,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "middts-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Secrets belong here rather than in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIDDTS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("MIDDTS_METRICS_SINK"); v != "" {
		cfg.Metrics.Sink = v
	}
	if v := os.Getenv("MIDDTS_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("MIDDTS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("MIDDTS_TSDB_URL"); v != "" {
		cfg.TSDB.URL = v
	}
	if v := os.Getenv("MIDDTS_TSDB_TOKEN"); v != "" {
		cfg.TSDB.Token = v
	}

	if v := os.Getenv("MIDDTS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MIDDTS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MIDDTS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("MIDDTS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Gateway.TokenTTL <= 0 || c.Gateway.TokenTTL >= 24*time.Hour {
		errs = append(errs, "gateway.token_ttl must be positive and below 24h")
	}
	if c.Gateway.LoginBackoffBase <= 0 || c.Gateway.LoginBackoffMax < c.Gateway.LoginBackoffBase {
		errs = append(errs, "gateway.login_backoff_base must be positive and not exceed login_backoff_max")
	}
	if c.Gateway.StatusPollTimeout <= 0 || c.Gateway.BestEffortWriteTimeout <= 0 || c.Gateway.UltraLowLatencyTimeout <= 0 {
		errs = append(errs, "gateway timeouts must be positive")
	}
	if c.Gateway.UltraLowLatencyTimeout > 100*time.Millisecond {
		errs = append(errs, "gateway.ultra_low_latency_timeout must not exceed 100ms")
	}

	if c.Liveness.Interval <= 0 {
		errs = append(errs, "liveness.interval must be positive")
	}
	if c.Liveness.Concurrency < 1 {
		errs = append(errs, "liveness.concurrency must be at least 1")
	}

	if c.Telemetry.SupervisorInterval <= 0 {
		errs = append(errs, "telemetry.supervisor_interval must be positive")
	}

	if c.Causal.Driver && c.Causal.DriverInterval <= 0 {
		errs = append(errs, "causal.driver_interval must be positive when the driver is enabled")
	}

	if c.Audit.Enabled && c.Audit.Retention <= 0 {
		errs = append(errs, "audit.retention must be positive when audit is enabled")
	}

	switch strings.ToLower(c.Metrics.Sink) {
	case "none", "":
	case "influxdb":
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when metrics.sink is influxdb")
		}
	case "tsdb":
		if c.TSDB.URL == "" {
			errs = append(errs, "tsdb.url is required when metrics.sink is tsdb")
		}
	default:
		errs = append(errs, "metrics.sink must be one of influxdb, tsdb, none")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
