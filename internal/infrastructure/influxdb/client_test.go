package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/influxdb"
)

// fakeInflux answers pings and records write bodies.
type fakeInflux struct {
	mu     sync.Mutex
	writes []string
	srv    *httptest.Server
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()
	f := &fakeInflux{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/api/v2/write") {
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
			f.mu.Lock()
			f.writes = append(f.writes, string(body))
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeInflux) body() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.writes, "\n")
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "graylink",
		Bucket:        "rpc",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	if _, err := influxdb.Connect(context.Background(), cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := influxdb.Connect(context.Background(), testConfig(url)); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WriteAndClose(t *testing.T) {
	fake := newFakeInflux(t)
	ctx := context.Background()

	client, err := influxdb.Connect(ctx, testConfig(fake.srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WritePoint("rpc_connection",
		map[string]string{"node": "daemon1", "device": "gui1"},
		map[string]any{"requests_sent": int64(4)},
		time.Unix(1700000000, 0))

	// Close flushes what is buffered.
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	body := fake.body()
	for _, want := range []string{"rpc_connection,", "device=gui1", "node=daemon1", "requests_sent=4i", "1700000000000000000"} {
		if !strings.Contains(body, want) {
			t.Errorf("written body %q missing %q", body, want)
		}
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(ctx); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v", err)
	}
	// Writes and flushes after Close are dropped, and Close is idempotent.
	client.WritePoint("rpc_connection", nil, map[string]any{"x": 1}, time.Now())
	client.Flush()
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_Nil(t *testing.T) {
	var c *influxdb.Client
	if c.IsConnected() {
		t.Error("nil IsConnected() = true")
	}
	if err := c.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}
