package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestCertReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	first := newTestCert(t, "first")
	certFile, keyFile := first.writeFiles(t, dir)

	r, err := NewCertReloader(certFile, keyFile, nil)
	if err != nil {
		t.Fatalf("NewCertReloader() error = %v", err)
	}
	got, _ := r.GetCertificate(nil) //nolint:errcheck // never fails
	if !bytes.Equal(got.Certificate[0], first.pair.Certificate[0]) {
		t.Fatal("initial certificate not served")
	}

	second := newTestCert(t, "second")
	second.writeFiles(t, dir)
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	got, _ = r.GetClientCertificate(nil) //nolint:errcheck // never fails
	if !bytes.Equal(got.Certificate[0], second.pair.Certificate[0]) {
		t.Error("reloaded certificate not served")
	}
	if n, _ := r.Loads(); n != 2 {
		t.Errorf("Loads() = %d, want 2", n)
	}

	// A broken file keeps the previous certificate.
	if err := os.WriteFile(certFile, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); !errors.Is(err, ErrCertificate) {
		t.Errorf("Reload() error = %v, want ErrCertificate", err)
	}
	got, _ = r.GetCertificate(nil) //nolint:errcheck // never fails
	if !bytes.Equal(got.Certificate[0], second.pair.Certificate[0]) {
		t.Error("failed reload replaced the certificate")
	}
}

func TestCertReloader_Watch(t *testing.T) {
	dir := t.TempDir()
	first := newTestCert(t, "first")
	certFile, keyFile := first.writeFiles(t, dir)

	r, err := NewCertReloader(certFile, keyFile, nil)
	if err != nil {
		t.Fatalf("NewCertReloader() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before changing files.
	time.Sleep(100 * time.Millisecond)
	second := newTestCert(t, "second")
	second.writeFiles(t, dir)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := r.GetCertificate(nil) //nolint:errcheck // never fails
		if bytes.Equal(got.Certificate[0], second.pair.Certificate[0]) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never reloaded the certificate")
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	cert := newTestCert(t, "node")
	certFile, keyFile := cert.writeFiles(t, dir)

	cfg, err := LoadTLSConfig(TLSFiles{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, ServerName: "localhost"}, nil)
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil || cfg.ServerName != "localhost" {
		t.Errorf("LoadTLSConfig() = %+v", cfg)
	}

	if _, err := LoadTLSConfig(TLSFiles{CAFile: keyFile}, nil); !errors.Is(err, ErrCertificate) {
		t.Errorf("key as CA: error = %v, want ErrCertificate", err)
	}
	if _, err := LoadTLSConfig(TLSFiles{CertFile: dir + "/missing.crt", KeyFile: keyFile}, nil); !errors.Is(err, ErrCertificate) {
		t.Errorf("missing cert: error = %v, want ErrCertificate", err)
	}
}
