package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "living-room"
receiver:
  host: "192.168.1.40"
  debounce: 50ms
  query_timeout: 2s
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "living-room" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "living-room")
	}
	if cfg.Receiver.Host != "192.168.1.40" {
		t.Errorf("Receiver.Host = %q, want %q", cfg.Receiver.Host, "192.168.1.40")
	}
	if cfg.Receiver.Port != 23 {
		t.Errorf("Receiver.Port = %d, want default 23", cfg.Receiver.Port)
	}
	if cfg.Receiver.Debounce != 50*time.Millisecond {
		t.Errorf("Receiver.Debounce = %v, want 50ms", cfg.Receiver.Debounce)
	}
	if cfg.Receiver.QueryTimeout != 2*time.Second {
		t.Errorf("Receiver.QueryTimeout = %v, want 2s", cfg.Receiver.QueryTimeout)
	}
	if cfg.Receiver.Address() != "192.168.1.40:23" {
		t.Errorf("Receiver.Address() = %q, want %q", cfg.Receiver.Address(), "192.168.1.40:23")
	}
	if cfg.MQTT.Broker.ClientID != "test-client" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "test-client")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	for _, env := range []string{"AVRBRIDGE_RECEIVER_HOST", "AVRBRIDGE_MQTT_HOST", "AVRBRIDGE_LOG_LEVEL"} {
		t.Setenv(env, "")
	}

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load(example) error = %v", err)
	}
	if cfg.Site.ID != "lounge" || cfg.Receiver.Profile != "marantz" {
		t.Errorf("site = %q, profile = %q", cfg.Site.ID, cfg.Receiver.Profile)
	}
	if cfg.Receiver.MaxReconnectInterval != 2*time.Minute {
		t.Errorf("MaxReconnectInterval = %v, want 2m", cfg.Receiver.MaxReconnectInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
receiver:
  host: ""
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"site.id", "receiver.host"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %v, want mention of %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Receiver.Host = "avr.local"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}, wantErr: false},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing receiver host", mutate: func(c *Config) { c.Receiver.Host = "" }, wantErr: true},
		{name: "receiver port zero", mutate: func(c *Config) { c.Receiver.Port = 0 }, wantErr: true},
		{name: "non-positive debounce", mutate: func(c *Config) { c.Receiver.Debounce = 0 }, wantErr: true},
		{name: "no profile", mutate: func(c *Config) { c.Receiver.Profile = ""; c.Receiver.ProfileFile = "" }, wantErr: true},
		{name: "profile file only", mutate: func(c *Config) { c.Receiver.Profile = ""; c.Receiver.ProfileFile = "p.yaml" }, wantErr: false},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid api port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "api disabled ignores port", mutate: func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, wantErr: false},
		{name: "journal without database", mutate: func(c *Config) { c.Journal.Enabled = true; c.Database.Path = "" }, wantErr: true},
		{name: "influx missing url", mutate: func(c *Config) { c.InfluxDB.Enabled = true; c.InfluxDB.Bucket = "b" }, wantErr: true},
		{name: "metrics path relative", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: true},
		{name: "unknown log output", mutate: func(c *Config) { c.Logging.Output = "syslog" }, wantErr: true},
		{name: "file log without path", mutate: func(c *Config) { c.Logging.Output = "file"; c.Logging.File.Path = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAPITimeoutConfig_Durations(t *testing.T) {
	read, write, idle := APITimeoutConfig{Read: 30, Write: 45, Idle: 60}.Durations()

	if read != 30*time.Second || write != 45*time.Second || idle != time.Minute {
		t.Errorf("Durations() = %v, %v, %v; want 30s, 45s, 1m0s", read, write, idle)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("AVRBRIDGE_RECEIVER_HOST", "10.0.0.5")
	t.Setenv("AVRBRIDGE_RECEIVER_PORT", "2323")
	t.Setenv("AVRBRIDGE_RECEIVER_PROFILE_FILE", "/etc/avrbridge/profile.yaml")
	t.Setenv("AVRBRIDGE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("AVRBRIDGE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("AVRBRIDGE_MQTT_USERNAME", "testuser")
	t.Setenv("AVRBRIDGE_MQTT_PASSWORD", "testpass")
	t.Setenv("AVRBRIDGE_API_HOST", "192.168.1.1")
	t.Setenv("AVRBRIDGE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("AVRBRIDGE_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   any
		want  any
	}{
		{"Receiver.Host", cfg.Receiver.Host, "10.0.0.5"},
		{"Receiver.Port", cfg.Receiver.Port, 2323},
		{"Receiver.ProfileFile", cfg.Receiver.ProfileFile, "/etc/avrbridge/profile.yaml"},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.field, c.got, c.want)
		}
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("AVRBRIDGE_RECEIVER_PORT", "telnet")

	applyEnvOverrides(cfg)

	if cfg.Receiver.Port != 23 {
		t.Errorf("Receiver.Port = %d, want 23", cfg.Receiver.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Receiver.Port != 23 {
		t.Errorf("defaultConfig Receiver.Port = %d, want 23", cfg.Receiver.Port)
	}
	if cfg.Receiver.Debounce != 100*time.Millisecond {
		t.Errorf("defaultConfig Receiver.Debounce = %v, want 100ms", cfg.Receiver.Debounce)
	}
	if cfg.Receiver.Profile != "marantz" {
		t.Errorf("defaultConfig Receiver.Profile = %q, want marantz", cfg.Receiver.Profile)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestSecretsRedacted(t *testing.T) {
	auth := MQTTAuthConfig{Username: "user", Password: "hunter2"}

	if s := auth.String(); strings.Contains(s, "hunter2") {
		t.Errorf("MQTTAuthConfig.String() leaked password: %s", s)
	}

	data, err := json.Marshal(auth)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("MQTTAuthConfig JSON leaked password: %s", data)
	}

	influx := InfluxDBConfig{Token: "tok-123"}
	if s := influx.String(); strings.Contains(s, "tok-123") {
		t.Errorf("InfluxDBConfig.String() leaked token: %s", s)
	}
	if data, _ := json.Marshal(influx); strings.Contains(string(data), "tok-123") {
		t.Errorf("InfluxDBConfig JSON leaked token: %s", data)
	}
}
