package transport

import (
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// Handler receives transport events. Any field may be nil.
type Handler struct {
	// OnReady is called once when the transport may carry RPC traffic.
	OnReady func()

	// OnData is called with each chunk read from the peer. The slice is
	// owned by the callee.
	OnData func(data []byte)

	// OnClosed is called exactly once, after the transport has released its
	// connection. err is nil for an orderly local close.
	OnClosed func(reason rpc.DisconnectReason, err error)
}

// Transport is the byte-stream capability a Device runs on.
type Transport interface {
	// Start begins delivering events to h. It must be called exactly once.
	Start(h Handler)

	// Send queues data for writing. It never blocks on I/O and returns
	// ErrClosed once the transport is closed.
	Send(data []byte) error

	// Close flushes queued data and tears the connection down. The first
	// reason given wins; later calls are no-ops.
	Close(reason rpc.DisconnectReason)

	// Status reports the encryption and handshake state.
	Status() Status

	// RemoteAddr describes the peer for logs and snapshots.
	RemoteAddr() string

	// Inbound reports whether the connection was accepted rather than dialed.
	Inbound() bool
}

// Policy is an encryption policy, local or as announced by the peer.
type Policy uint8

// Encryption policies, ordered by strength of preference.
const (
	// PolicyUnknown is the remote policy before the peer has announced one.
	PolicyUnknown Policy = iota
	PolicyDisabled
	PolicyEnabled
	PolicyRequested
	PolicyRequired
)

func (p Policy) String() string {
	switch p {
	case PolicyDisabled:
		return "disabled"
	case PolicyEnabled:
		return "enabled"
	case PolicyRequested:
		return "requested"
	case PolicyRequired:
		return "required"
	default:
		return "unknown"
	}
}

// MarshalText encodes the policy as its name.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a policy name. "unknown" is accepted so that a
// Status round-trips.
func (p *Policy) UnmarshalText(text []byte) error {
	if string(text) == "unknown" {
		*p = PolicyUnknown
		return nil
	}
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePolicy parses a policy name as used in configuration and on the wire.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled":
		return PolicyDisabled, nil
	case "enabled":
		return PolicyEnabled, nil
	case "requested":
		return PolicyRequested, nil
	case "required":
		return PolicyRequired, nil
	default:
		return PolicyUnknown, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// Decide reconciles two announced policies. It reports whether the
// connection is encrypted, or ErrPolicyMismatch when one side requires
// encryption and the other has it disabled.
//
// Encryption is used when neither side has it disabled and at least one
// side requests or requires it.
func Decide(local, remote Policy) (bool, error) {
	if (local == PolicyRequired && remote == PolicyDisabled) ||
		(remote == PolicyRequired && local == PolicyDisabled) {
		return false, fmt.Errorf("%w: local %s, remote %s", ErrPolicyMismatch, local, remote)
	}
	if local == PolicyDisabled || remote == PolicyDisabled {
		return false, nil
	}
	return local >= PolicyRequested || remote >= PolicyRequested, nil
}

// Phase is the handshake phase of a transport.
type Phase uint8

// Handshake phases.
const (
	PhaseDetermining Phase = iota
	PhaseNegotiating
	PhaseHandshakeSucceeded
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseDetermining:
		return "determining"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseHandshakeSucceeded:
		return "handshake_succeeded"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText encodes the phase as its name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{PhaseDetermining, PhaseNegotiating, PhaseHandshakeSucceeded, PhaseReady} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("transport: unknown phase %q", text)
}

// Status combines the three independent axes of a transport's encryption
// state, plus whether traffic is actually encrypted.
type Status struct {
	Local     Policy `json:"local_policy"`
	Remote    Policy `json:"remote_policy"`
	Phase     Phase  `json:"phase"`
	Encrypted bool   `json:"encrypted"`
	Closed    bool   `json:"closed"`
}

// Ready reports whether the transport may carry RPC traffic.
func (s Status) Ready() bool {
	return s.Phase == PhaseReady && !s.Closed
}

// Logger is the logging interface used by transports.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
