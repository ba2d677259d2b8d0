package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// testCert is a self-signed certificate valid for localhost.
type testCert struct {
	certPEM []byte
	keyPEM  []byte
	pair    tls.Certificate
	pool    *x509.CertPool
}

func newTestCert(t *testing.T, commonName string) testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error = %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair() error = %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)
	return testCert{certPEM: certPEM, keyPEM: keyPEM, pair: pair, pool: pool}
}

// writeFiles stores the certificate in dir and returns the paths.
func (c testCert) writeFiles(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	certFile = filepath.Join(dir, "node.crt")
	keyFile = filepath.Join(dir, "node.key")
	if err := os.WriteFile(certFile, c.certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, c.keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

func (c testCert) serverConfig() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{c.pair}, MinVersion: tls.VersionTLS12}
}

func (c testCert) clientConfig() *tls.Config {
	return &tls.Config{RootCAs: c.pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
}

// recorder collects handler callbacks.
type recorder struct {
	ready  chan struct{}
	closed chan closeEvent

	mu   sync.Mutex
	data []byte
	got  chan struct{}
}

type closeEvent struct {
	reason rpc.DisconnectReason
	err    error
}

func newRecorder() *recorder {
	return &recorder{
		ready:  make(chan struct{}, 1),
		closed: make(chan closeEvent, 1),
		got:    make(chan struct{}, 64),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		OnReady: func() { r.ready <- struct{}{} },
		OnData: func(data []byte) {
			r.mu.Lock()
			r.data = append(r.data, data...)
			r.mu.Unlock()
			select {
			case r.got <- struct{}{}:
			default:
			}
		},
		OnClosed: func(reason rpc.DisconnectReason, err error) {
			r.closed <- closeEvent{reason: reason, err: err}
		},
	}
}

func (r *recorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

// waitData waits until the received bytes equal want.
func (r *recorder) waitData(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if r.received() == want {
			return
		}
		select {
		case <-r.got:
		case <-deadline:
			t.Fatalf("received %q, want %q", r.received(), want)
		}
	}
}

func (r *recorder) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-r.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never became ready")
	}
}

func (r *recorder) waitClosed(t *testing.T) closeEvent {
	t.Helper()
	select {
	case ev := <-r.closed:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("transport never closed")
		return closeEvent{}
	}
}
