package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     19998,
			ClientID: "graylink-test",
		},
		QoS:         1,
		TopicPrefix: "graylink",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestConnect_InvalidQoS(t *testing.T) {
	cfg := testConfig()
	cfg.QoS = 3
	if _, err := Connect(cfg, "node1", nil); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Connect() error = %v, want ErrInvalidQoS", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}
	_, err := Connect(testConfig(), "node1", nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_ZeroValue(t *testing.T) {
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}

	c := &Client{}
	if c.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
	if err := c.Publish("graylink/alerts", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestValidatePublish(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"ok", "graylink/alerts", []byte("{}"), 1, nil},
		{"nil payload", "graylink/alerts", nil, 0, nil},
		{"empty topic", "", []byte("{}"), 1, ErrInvalidTopic},
		{"bad qos", "graylink/alerts", []byte("{}"), 3, ErrInvalidQoS},
		{"too large", "graylink/alerts", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePublish(tt.topic, tt.payload, tt.qos)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validatePublish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "user"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:19998" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "graylink-test" || opts.Username != "user" {
		t.Errorf("ClientID/Username = %q/%q", opts.ClientID, opts.Username)
	}
	if !opts.AutoReconnect || opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("reconnect = %v, %v", opts.AutoReconnect, opts.MaxReconnectInterval)
	}

	cfg.Broker.TLS = true
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" || opts.TLSConfig == nil {
		t.Errorf("TLS options = %v, %v", opts.Servers[0], opts.TLSConfig)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Topics{Prefix: "site1"}, "node1", "graylink-test")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillTopic != "site1/system/status" {
		t.Fatalf("will = %v %v %q", opts.WillEnabled, opts.WillRetained, opts.WillTopic)
	}
	var status nodeStatus
	if err := json.Unmarshal(opts.WillPayload, &status); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if status.Status != statusOffline || status.Node != "node1" || status.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v", status)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"system status", Topics{Prefix: "graylink"}.SystemStatus(), "graylink/system/status"},
		{"device status", Topics{Prefix: "graylink"}.DeviceStatus("gui1"), "graylink/device/gui1/status"},
		{"alerts", Topics{Prefix: "graylink"}.Alerts(), "graylink/alerts"},
		{"wildcard", Topics{Prefix: "graylink"}.AllDeviceStatus(), "graylink/device/+/status"},
		{"default prefix", Topics{}.Alerts(), "graylink/alerts"},
		{"trimmed prefix", Topics{Prefix: "/site1/"}.Alerts(), "site1/alerts"},
		{"escaped id", Topics{}.DeviceStatus("a/b+#"), "graylink/device/a_b__/status"},
		{"empty id", Topics{}.DeviceStatus(""), "graylink/device/_/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
			if strings.Count(tt.got, "/") < 1 {
				t.Errorf("topic %q has no levels", tt.got)
			}
		})
	}
}
