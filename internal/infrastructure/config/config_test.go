package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum requirement.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graylink.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
node:
  name: "daemon1"
  role: "daemon"
listen:
  port: 9000
encryption:
  policy: "required"
  cert_file: "/etc/graylink/node.crt"
  key_file: "/etc/graylink/node.key"
  handshake_timeout: "5s"
rpc:
  registration_period: "10s"
  request_timeout: "2s"
  min_protocol_version: ">= 1.1.0"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
api:
  enabled: true
  port: 8081
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Node.Name != "daemon1" {
		t.Errorf("Node.Name = %q, want %q", cfg.Node.Name, "daemon1")
	}
	if cfg.Listen.Address() != "0.0.0.0:9000" {
		t.Errorf("Listen.Address() = %q", cfg.Listen.Address())
	}
	if cfg.Encryption.HandshakeTimeout != 5*time.Second {
		t.Errorf("Encryption.HandshakeTimeout = %v, want 5s", cfg.Encryption.HandshakeTimeout)
	}
	if cfg.RPC.RegistrationPeriod != 10*time.Second || cfg.RPC.RequestTimeout != 2*time.Second {
		t.Errorf("RPC = %+v", cfg.RPC)
	}
	if cfg.RPC.PollInterval != 250*time.Millisecond {
		t.Errorf("RPC.PollInterval = %v, want default 250ms", cfg.RPC.PollInterval)
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker = %+v", cfg.MQTT.Broker)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Node.Name != "graylink" || cfg.Listen.Port != 7420 {
		t.Errorf("defaults = %+v %+v", cfg.Node, cfg.Listen)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "rpc:\n  request_timeout: \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing node name", mutate: func(c *Config) { c.Node.Name = "" }, wantErr: "node.name"},
		{name: "bad policy", mutate: func(c *Config) { c.Encryption.Policy = "sometimes" }, wantErr: "encryption.policy"},
		{
			name:    "encrypted listener without certificate",
			mutate:  func(c *Config) { c.Encryption.Policy = "required" },
			wantErr: "encryption.cert_file",
		},
		{
			name: "encrypted dialer without certificate",
			mutate: func(c *Config) {
				c.Encryption.Policy = "required"
				c.Listen.Enabled = false
			},
		},
		{name: "key without cert", mutate: func(c *Config) { c.Encryption.KeyFile = "k.pem" }, wantErr: "set together"},
		{name: "zero registration period", mutate: func(c *Config) { c.RPC.RegistrationPeriod = 0 }, wantErr: "registration_period"},
		{name: "tiny line limit", mutate: func(c *Config) { c.RPC.MaxLineLength = 10 }, wantErr: "max_line_length"},
		{name: "negative retention", mutate: func(c *Config) { c.Database.HistoryRetention = -time.Hour }, wantErr: "history_retention"},
		{name: "negative report interval", mutate: func(c *Config) { c.InfluxDB.ReportInterval = -1 }, wantErr: "report_interval"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "listen port high", mutate: func(c *Config) { c.Listen.Port = 70000 }, wantErr: "listen.port"},
		{name: "influx without bucket", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: "influxdb"},
		{
			name:    "api without JWT secret",
			mutate:  func(c *Config) { c.API.Enabled = true },
			wantErr: "security.jwt.secret is required",
		},
		{
			name: "api with short JWT secret",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.Security.JWT.Secret = "short"
			},
			wantErr: "at least 32",
		},
		{
			name: "api with JWT secret",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.Security.JWT.Secret = validJWTSecret
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()

	t.Setenv("GRAYLINK_NODE_NAME", "edge-7")
	t.Setenv("GRAYLINK_ENCRYPTION_POLICY", "required")
	t.Setenv("GRAYLINK_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLINK_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLINK_LISTEN_PORT", "9100")
	t.Setenv("GRAYLINK_RPC_REQUEST_TIMEOUT", "750ms")
	t.Setenv("GRAYLINK_JWT_SECRET", "jwt-secret")

	if err := applyEnvOverrides(cfg); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}

	if cfg.Node.Name != "edge-7" {
		t.Errorf("Node.Name = %q, want %q", cfg.Node.Name, "edge-7")
	}
	if cfg.Encryption.Policy != "required" {
		t.Errorf("Encryption.Policy = %q, want required", cfg.Encryption.Policy)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.Listen.Port != 9100 {
		t.Errorf("Listen.Port = %d, want 9100", cfg.Listen.Port)
	}
	if cfg.RPC.RequestTimeout != 750*time.Millisecond {
		t.Errorf("RPC.RequestTimeout = %v, want 750ms", cfg.RPC.RequestTimeout)
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestApplyEnvOverrides_BadNumber(t *testing.T) {
	t.Setenv("GRAYLINK_API_PORT", "eighty")
	if err := applyEnvOverrides(Default()); err == nil {
		t.Error("applyEnvOverrides() expected error for non-numeric port")
	}
}
