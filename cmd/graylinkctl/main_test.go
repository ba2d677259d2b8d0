package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/auth"
	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/system"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// startDaemon serves a plaintext registry with the built-in methods on a
// loopback port and returns its address.
func startDaemon(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg, err := device.NewRegistry(device.Options{Name: "daemon1"})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := system.Register(reg, system.Info{Name: "daemon1", Version: "test", StartedAt: time.Now()}); err != nil {
		t.Fatalf("system.Register() error = %v", err)
	}
	ln, err := transport.Listen(ctx, "127.0.0.1:0", transport.SocketOptions{Policy: transport.PolicyDisabled})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go reg.Serve(ctx, ln) //nolint:errcheck // stops with ctx
	go device.NewScheduler(reg, 0).Run(ctx)
	return ln.Addr().String()
}

func TestRun_Call(t *testing.T) {
	addr := startDaemon(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{
			name: "ping",
			args: []string{"call", "--addr", addr, "--encryption", "disabled", "ping"},
			want: "\"pong\"\n",
		},
		{
			name: "echo with params",
			args: []string{"call", "-a", addr, "--encryption", "disabled", "echo", `{"hello":"world"}`},
			want: "{\n  \"hello\": \"world\"\n}\n",
		},
		{
			name:    "unknown method",
			args:    []string{"call", "-a", addr, "--encryption", "disabled", "no.such.method"},
			wantErr: "no.such.method",
		},
		{
			name:    "invalid params",
			args:    []string{"call", "-a", addr, "--encryption", "disabled", "echo", "{nope"},
			wantErr: "not valid JSON",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("run() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestRun_CallUnreachable(t *testing.T) {
	// Port 1 on loopback is not expected to accept connections.
	err := run(context.Background(), []string{"call", "-a", "127.0.0.1:1", "--encryption", "disabled", "--timeout", "2s", "ping"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() error = nil for unreachable daemon")
	}
}

func TestRun_Token(t *testing.T) {
	const secret = "an-operator-secret-that-is-long-enough"
	var out bytes.Buffer
	err := run(context.Background(), []string{"token", "--secret", secret, "--role", "operator", "--ttl", "1h", "alice"}, &out)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret, "graylink")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "alice" || claims.Role != auth.RoleOperator {
		t.Errorf("claims = %s/%s, want alice/operator", claims.Subject, claims.Role)
	}
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"no command", nil, true},
		{"unknown command", []string{"frobnicate"}, true},
		{"help", []string{"help"}, false},
		{"version", []string{"version"}, false},
		{"call without method", []string{"call"}, true},
		{"token without subject", []string{"token", "--secret", "x"}, true},
		{"token bad role", []string{"token", "--secret", "x", "--role", "admin", "bob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GRAYLINK_JWT_SECRET", "")
			err := run(context.Background(), tt.args, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Errorf("run(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}
