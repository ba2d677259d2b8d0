package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for graylink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Listen     ListenConfig     `yaml:"listen"`
	Encryption EncryptionConfig `yaml:"encryption"`
	RPC        RPCConfig        `yaml:"rpc"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// NodeConfig is the identity this node declares when registering.
type NodeConfig struct {
	Name string `yaml:"name"`
	// Role is a comma separated list of daemon, client, observer.
	Role string `yaml:"role"`
}

// ListenConfig is where the daemon accepts RPC socket connections.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Address returns host:port.
func (l ListenConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// EncryptionConfig contains the socket transport encryption settings.
type EncryptionConfig struct {
	// Policy is one of disabled, enabled, requested, required.
	Policy             string        `yaml:"policy"`
	CertFile           string        `yaml:"cert_file"`
	KeyFile            string        `yaml:"key_file"`
	CAFile             string        `yaml:"ca_file"`
	ServerName         string        `yaml:"server_name"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	// WatchCertificates reloads cert_file/key_file when they change on disk.
	WatchCertificates bool `yaml:"watch_certificates"`
}

// RPCConfig contains protocol engine settings.
type RPCConfig struct {
	RegistrationPeriod time.Duration `yaml:"registration_period"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MinProtocolVersion string        `yaml:"min_protocol_version"`
	MaxLineLength      int           `yaml:"max_line_length"`
	// SendQueueSize bounds bytes queued per connection before it is closed
	// with BufferOverflow.
	SendQueueSize int `yaml:"send_queue_size"`
	// EventQueueSize bounds lifecycle events awaiting the slow sinks.
	EventQueueSize int `yaml:"event_queue_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention is how long connection history is kept. Zero keeps
	// it forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// APIConfig contains admin HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains the WebSocket RPC endpoint settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
	// ReportInterval is how often (seconds) per-device counters of open
	// connections are written. Zero disables the periodic report.
	ReportInterval int `yaml:"report_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
// For example: GRAYLINK_NODE_NAME, GRAYLINK_ENCRYPTION_POLICY
//
// Parameters:
//   - path: Path to the YAML configuration file (may be empty)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name: "graylink",
			Role: "daemon",
		},
		Listen: ListenConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    7420,
		},
		Encryption: EncryptionConfig{
			Policy:           "disabled",
			HandshakeTimeout: 10 * time.Second,
		},
		RPC: RPCConfig{
			RegistrationPeriod: 30 * time.Second,
			RequestTimeout:     30 * time.Second,
			PollInterval:       250 * time.Millisecond,
			MinProtocolVersion: ">= 1.0.0",
			MaxLineLength:      16 << 20,
			SendQueueSize:      64 << 20,
			EventQueueSize:     256,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8420,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/rpc",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Enabled:          false,
			Path:             "./data/graylink.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylink",
			},
			QoS:         1,
			TopicPrefix: "graylink",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:      100,
			FlushInterval:  10,
			ReportInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{Issuer: "graylink"},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"GRAYLINK_NODE_NAME":            &cfg.Node.Name,
		"GRAYLINK_NODE_ROLE":            &cfg.Node.Role,
		"GRAYLINK_LISTEN_HOST":          &cfg.Listen.Host,
		"GRAYLINK_ENCRYPTION_POLICY":    &cfg.Encryption.Policy,
		"GRAYLINK_ENCRYPTION_CERT_FILE": &cfg.Encryption.CertFile,
		"GRAYLINK_ENCRYPTION_KEY_FILE":  &cfg.Encryption.KeyFile,
		"GRAYLINK_ENCRYPTION_CA_FILE":   &cfg.Encryption.CAFile,
		"GRAYLINK_DATABASE_PATH":        &cfg.Database.Path,
		"GRAYLINK_MQTT_HOST":            &cfg.MQTT.Broker.Host,
		"GRAYLINK_MQTT_USERNAME":        &cfg.MQTT.Auth.Username,
		"GRAYLINK_MQTT_PASSWORD":        &cfg.MQTT.Auth.Password,
		"GRAYLINK_API_HOST":             &cfg.API.Host,
		"GRAYLINK_INFLUXDB_URL":         &cfg.InfluxDB.URL,
		"GRAYLINK_INFLUXDB_TOKEN":       &cfg.InfluxDB.Token,
		"GRAYLINK_LOG_LEVEL":            &cfg.Logging.Level,
		"GRAYLINK_JWT_SECRET":           &cfg.Security.JWT.Secret,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GRAYLINK_LISTEN_PORT": &cfg.Listen.Port,
		"GRAYLINK_API_PORT":    &cfg.API.Port,
		"GRAYLINK_MQTT_PORT":   &cfg.MQTT.Broker.Port,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"GRAYLINK_RPC_REGISTRATION_PERIOD": &cfg.RPC.RegistrationPeriod,
		"GRAYLINK_RPC_REQUEST_TIMEOUT":     &cfg.RPC.RequestTimeout,
		"GRAYLINK_HISTORY_RETENTION":       &cfg.Database.HistoryRetention,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// validPolicies lists the accepted encryption.policy values.
var validPolicies = map[string]bool{
	"disabled":  true,
	"enabled":   true,
	"requested": true,
	"required":  true,
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Node.Name == "" {
		errs = append(errs, "node.name is required")
	}
	if c.Node.Role == "" {
		errs = append(errs, "node.role is required")
	}

	if c.Listen.Enabled && (c.Listen.Port < 1 || c.Listen.Port > 65535) {
		errs = append(errs, "listen.port must be between 1 and 65535")
	}

	policy := strings.ToLower(c.Encryption.Policy)
	if !validPolicies[policy] {
		errs = append(errs, "encryption.policy must be disabled, enabled, requested or required")
	}
	if policy != "disabled" && c.Listen.Enabled && (c.Encryption.CertFile == "" || c.Encryption.KeyFile == "") {
		errs = append(errs, "encryption.cert_file and encryption.key_file are required when accepting encrypted connections")
	}
	if (c.Encryption.CertFile == "") != (c.Encryption.KeyFile == "") {
		errs = append(errs, "encryption.cert_file and encryption.key_file must be set together")
	}

	if c.RPC.RegistrationPeriod <= 0 {
		errs = append(errs, "rpc.registration_period must be positive")
	}
	if c.RPC.RequestTimeout <= 0 {
		errs = append(errs, "rpc.request_timeout must be positive")
	}
	if c.RPC.PollInterval <= 0 {
		errs = append(errs, "rpc.poll_interval must be positive")
	}
	if c.RPC.MaxLineLength < 1024 {
		errs = append(errs, "rpc.max_line_length must be at least 1024")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.InfluxDB.ReportInterval < 0 {
		errs = append(errs, "influxdb.report_interval must not be negative")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		// The admin API can close connections; a guessable secret hands that
		// to anyone who can reach the port.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the api is enabled (set GRAYLINK_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
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
