package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrClosed is returned by Send after the transport has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrQueueFull is returned by Send when the outbound queue exceeds its
	// byte limit. The transport closes with rpc.ReasonBufferOverflow.
	ErrQueueFull = errors.New("transport: send queue full")

	// ErrInvalidPolicy is returned when an encryption policy name cannot be
	// parsed.
	ErrInvalidPolicy = errors.New("transport: invalid encryption policy")

	// ErrPolicyMismatch is returned when the two endpoints' encryption
	// policies cannot be reconciled.
	ErrPolicyMismatch = errors.New("transport: encryption policies incompatible")

	// ErrHandshakeFailed is returned when the policy exchange or the TLS
	// handshake fails.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrTLSRequired is returned when a policy other than Disabled is
	// configured without a TLS configuration.
	ErrTLSRequired = errors.New("transport: encryption policy needs a TLS configuration")

	// ErrCertificate is returned when certificate material cannot be loaded.
	ErrCertificate = errors.New("transport: certificate load failed")
)
