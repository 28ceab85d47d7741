package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. Every section has defaults, and a handful of
// fields can be overridden from AVRBRIDGE_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies the installation. The ID is used in MQTT topics and
// as a tag on time-series points.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ReceiverConfig contains the appliance connection and engine settings.
type ReceiverConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ConnectTimeout bounds a single dial attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// WriteTimeout bounds a single line write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReconnectInterval is the first backoff delay after a lost connection.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`

	// Debounce is the quiescence window for aggregate status notifications.
	Debounce time.Duration `yaml:"debounce"`

	// QueryTimeout bounds queries issued through the API, MQTT and CLI.
	// The engine itself never times out a waiter.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Profile names a built-in appliance profile ("marantz").
	Profile string `yaml:"profile"`

	// ProfileFile points at a YAML profile and takes precedence over Profile.
	ProfileFile string `yaml:"profile_file"`
}

// Address returns the host:port pair for dialling the receiver.
func (r ReceiverConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig locates the SQLite journal database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls the wire-traffic journal.
type JournalConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention"`
}

// MQTTConfig configures the bridge's broker connection.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// String hides the password.
func (a MQTTAuthConfig) String() string {
	pw := ""
	if a.Password != "" {
		pw = "[REDACTED]"
	}
	return fmt.Sprintf("{Username:%s Password:%s}", a.Username, pw)
}

// MarshalJSON hides the password.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	pw := ""
	if a.Password != "" {
		pw = "[REDACTED]"
	}
	return json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{a.Username, pw})
}

// MQTTReconnectConfig sets paho's reconnect backoff in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// Durations converts the timeouts for http.Server.
func (t APITimeoutConfig) Durations() (read, write, idle time.Duration) {
	return time.Duration(t.Read) * time.Second,
		time.Duration(t.Write) * time.Second,
		time.Duration(t.Idle) * time.Second
}

// CORSConfig lists what the CORS middleware allows. An empty origin list
// allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig configures the event hub. Intervals are in seconds.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig configures history writes. FlushInterval is in seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// String hides the token.
func (c InfluxDBConfig) String() string {
	token := ""
	if c.Token != "" {
		token = "[REDACTED]"
	}
	return fmt.Sprintf("{Enabled:%t URL:%s Token:%s Org:%s Bucket:%s}", c.Enabled, c.URL, token, c.Org, c.Bucket)
}

// MarshalJSON hides the token.
func (c InfluxDBConfig) MarshalJSON() ([]byte, error) {
	type plain InfluxDBConfig
	p := plain(c)
	if p.Token != "" {
		p.Token = "[REDACTED]"
	}
	return json.Marshal(p)
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig selects level, format and destination.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig drives lumberjack rotation. Sizes are in megabytes and
// ages in days.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the defaults with environment overrides applied, for
// commands that can run without a config file. It is not validated.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{ID: "home", Name: "Home"},
		Receiver: ReceiverConfig{
			Port:                 23,
			ConnectTimeout:       5 * time.Second,
			WriteTimeout:         5 * time.Second,
			ReconnectInterval:    2 * time.Second,
			MaxReconnectInterval: 2 * time.Minute,
			Debounce:             100 * time.Millisecond,
			QueryTimeout:         5 * time.Second,
			Profile:              "marantz",
		},
		Database: DatabaseConfig{Path: "./data/avrbridge.db", WALMode: true, BusyTimeout: 5},
		Journal:  JournalConfig{Retention: 24 * time.Hour},
		MQTT: MQTTConfig{
			Enabled:   true,
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "avrbridge"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Enabled:  true,
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		InfluxDB:  InfluxDBConfig{BatchSize: 100, FlushInterval: 10},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				Path:       "./logs/avrbridge.log",
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     30,
				Compress:   true,
			},
		},
	}
}

// envOverrides maps each supported variable to the field it sets.
var envOverrides = []struct {
	name string
	set  func(*Config, string)
}{
	{"AVRBRIDGE_RECEIVER_HOST", func(c *Config, v string) { c.Receiver.Host = v }},
	{"AVRBRIDGE_RECEIVER_PORT", func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.Receiver.Port = port
		}
	}},
	{"AVRBRIDGE_RECEIVER_PROFILE_FILE", func(c *Config, v string) { c.Receiver.ProfileFile = v }},
	{"AVRBRIDGE_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"AVRBRIDGE_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"AVRBRIDGE_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"AVRBRIDGE_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"AVRBRIDGE_API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"AVRBRIDGE_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"AVRBRIDGE_LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
}

// applyEnvOverrides applies every non-empty variable in envOverrides.
// Unparseable numbers leave the field alone.
func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.set(cfg, v)
		}
	}
}

// Validate reports every problem in one error rather than stopping at the
// first.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, problem string) {
		if !ok {
			problems = append(problems, problem)
		}
	}
	validPort := func(p int) bool { return p >= 1 && p <= 65535 }

	check(c.Site.ID != "", "site.id is required")
	check(c.Receiver.Host != "", "receiver.host is required (set AVRBRIDGE_RECEIVER_HOST environment variable)")
	check(validPort(c.Receiver.Port), "receiver.port must be between 1 and 65535")
	check(c.Receiver.Debounce > 0, "receiver.debounce must be positive")
	check(c.Receiver.Profile != "" || c.Receiver.ProfileFile != "", "receiver.profile or receiver.profile_file is required")
	check(!c.Journal.Enabled || c.Database.Path != "", "database.path is required when journal is enabled")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	check(!c.API.Enabled || validPort(c.API.Port), "api.port must be between 1 and 65535")
	check(!c.InfluxDB.Enabled || c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
	check(!c.InfluxDB.Enabled || c.InfluxDB.Bucket != "", "influxdb.bucket is required when influxdb is enabled")
	check(!c.Metrics.Enabled || strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")

	switch c.Logging.Output {
	case "", "stdout", "stderr":
	case "file":
		check(c.Logging.File.Path != "", "logging.file.path is required when logging.output is file")
	default:
		problems = append(problems, "logging.output must be stdout, stderr, or file")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
