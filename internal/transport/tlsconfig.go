package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSFiles names the certificate material for a socket transport.
type TLSFiles struct {
	// CertFile and KeyFile hold this node's certificate. Required for the
	// accepting side; on the dialing side they enable client certificates.
	CertFile string
	KeyFile  string

	// CAFile adds trusted roots (and client CAs on the accepting side).
	CAFile string

	// ServerName overrides the name verified on the peer's certificate.
	ServerName string

	// InsecureSkipVerify disables peer verification. Test setups only.
	InsecureSkipVerify bool
}

// LoadTLSConfig builds a tls.Config usable in both roles. When reloader is
// non-nil the certificate is served through it so replacements on disk take
// effect for new handshakes.
//
// Parameters:
//   - files: Certificate, key and CA paths
//   - reloader: Optional hot-reload source for the node certificate
//
// Returns:
//   - *tls.Config: Configuration for Socket options
//   - error: If any file cannot be read or parsed
func LoadTLSConfig(files TLSFiles, reloader *CertReloader) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         files.ServerName,
		InsecureSkipVerify: files.InsecureSkipVerify, //nolint:gosec // Explicit operator choice
	}

	switch {
	case reloader != nil:
		cfg.GetCertificate = reloader.GetCertificate
		cfg.GetClientCertificate = reloader.GetClientCertificate
	case files.CertFile != "" || files.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if files.CAFile != "" {
		pool, err := loadCertPool(files.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read CA file %s: %w", ErrCertificate, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrCertificate, path)
	}
	return pool, nil
}
