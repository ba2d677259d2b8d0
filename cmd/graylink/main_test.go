package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/api"
	"github.com/nerrad567/gray-logic-link/internal/audit"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-link/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-link/internal/transport"

	_ "github.com/mattn/go-sqlite3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graylink.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, []string{"--config", "/nonexistent/path/graylink.yaml"})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want config loading failure", err)
	}
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"version", []string{"--version"}, false},
		{"help", []string{"--help"}, false},
		{"unknown flag", []string{"--frobnicate"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("run(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRun_InvalidRole(t *testing.T) {
	path := writeConfig(t, `
node:
  name: daemon1
  role: wizard
listen:
  enabled: false
logging:
  output: discard
`)
	err := run(context.Background(), []string{"-c", path})
	if err == nil || !strings.Contains(err.Error(), "node.role") {
		t.Errorf("run() error = %v, want node.role failure", err)
	}
}

// TestRun_StartsAndStops runs the daemon with the history database and
// no network surfaces, then cancels it.
func TestRun_StartsAndStops(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "graylink.db")
	path := writeConfig(t, `
node:
  name: daemon1
  role: daemon
listen:
  enabled: false
database:
  enabled: true
  path: "`+dbPath+`"
  wal_mode: true
  busy_timeout: 5
logging:
  level: error
  output: discard
`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"--config", path}) }()

	// Wait for migrations to land, then shut down.
	deadline := time.Now().Add(5 * time.Second)
	for !historyTableExists(dbPath) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("history table was not created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

func historyTableExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return false
	}
	defer db.Close()

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'connection_events'").Scan(&name)
	return err == nil
}

func TestSocketOptions(t *testing.T) {
	log := logging.Discard()

	t.Run("disabled", func(t *testing.T) {
		cfg := config.Default()
		opts, reloader, err := socketOptions(cfg, log)
		if err != nil {
			t.Fatalf("socketOptions() error = %v", err)
		}
		if opts.Policy != transport.PolicyDisabled || opts.TLSConfig != nil || reloader != nil {
			t.Errorf("opts = %+v, reloader = %v", opts, reloader)
		}
		if opts.QueueBytes != cfg.RPC.SendQueueSize {
			t.Errorf("QueueBytes = %d, want %d", opts.QueueBytes, cfg.RPC.SendQueueSize)
		}
	})

	t.Run("bad policy", func(t *testing.T) {
		cfg := config.Default()
		cfg.Encryption.Policy = "sometimes"
		if _, _, err := socketOptions(cfg, log); err == nil {
			t.Error("socketOptions() error = nil")
		}
	})

	t.Run("missing certificate", func(t *testing.T) {
		cfg := config.Default()
		cfg.Encryption.Policy = "required"
		cfg.Encryption.CertFile = filepath.Join(t.TempDir(), "missing.pem")
		cfg.Encryption.KeyFile = filepath.Join(t.TempDir(), "missing.key")
		if _, _, err := socketOptions(cfg, log); err == nil {
			t.Error("socketOptions() error = nil")
		}
	})

	t.Run("dialer without certificate", func(t *testing.T) {
		cfg := config.Default()
		cfg.Encryption.Policy = "requested"
		opts, _, err := socketOptions(cfg, log)
		if err != nil {
			t.Fatalf("socketOptions() error = %v", err)
		}
		if opts.TLSConfig == nil {
			t.Error("TLSConfig = nil for requested policy")
		}
	})
}

type fakePruner struct {
	audit.Repository
	mu     sync.Mutex
	calls  int
	before time.Time
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.before = before
	return 2, nil
}

func TestPruneHistory(t *testing.T) {
	repo := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneHistory(ctx, repo, 24*time.Hour, time.Hour, logging.Discard())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		repo.mu.Lock()
		calls, before := repo.calls, repo.before
		repo.mu.Unlock()
		if calls > 0 {
			if age := time.Since(before); age < 23*time.Hour || age > 25*time.Hour {
				t.Errorf("prune cutoff age = %v, want about 24h", age)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pruneHistory did not prune on start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruneHistory did not stop")
	}
}

type staticCheck struct{ err error }

func (s staticCheck) HealthCheck(context.Context) error { return s.err }

func TestHealthCheck(t *testing.T) {
	ok := map[string]api.HealthChecker{"database": staticCheck{}}
	if err := healthCheck(context.Background(), ok); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}

	failing := map[string]api.HealthChecker{
		"database": staticCheck{},
		"mqtt":     staticCheck{err: os.ErrDeadlineExceeded},
	}
	err := healthCheck(context.Background(), failing)
	if err == nil || !strings.HasPrefix(err.Error(), "mqtt:") {
		t.Errorf("healthCheck() error = %v, want mqtt failure", err)
	}
}
