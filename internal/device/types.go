package device

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// Reserved method names handled by the engine itself.
const (
	MethodRegister   = "register"
	MethodDisconnect = "disconnect"
)

// ProtocolVersion is the registration protocol version this build speaks.
const ProtocolVersion = "1.0.0"

// DefaultMinPeerVersion is the version constraint applied to peers when
// Options.MinPeerVersion is empty.
const DefaultMinPeerVersion = ">= 1.0.0"

// NoTimeout disables the deadline of a single request.
const NoTimeout time.Duration = -1

// unregisteredPrefix starts the temporary id of every new Device.
const unregisteredPrefix = "UnregisteredDevice"

// maxNameLength bounds a declared registration name.
const maxNameLength = 64

// Direction tells whether a connection was accepted or dialed.
type Direction uint8

// Connection directions.
const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// MarshalText encodes the direction as its name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a direction name.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "inbound":
		*d = Inbound
	case "outbound":
		*d = Outbound
	default:
		return fmt.Errorf("device: unknown direction %q", text)
	}
	return nil
}

// Role is a set of role flags a node declares when registering.
type Role uint8

// Role flags.
const (
	RoleDaemon Role = 1 << iota
	RoleClient
	RoleObserver
)

var roleNames = []struct {
	role Role
	name string
}{
	{RoleDaemon, "daemon"},
	{RoleClient, "client"},
	{RoleObserver, "observer"},
}

// Has reports whether every flag in o is set.
func (r Role) Has(o Role) bool {
	return r&o == o
}

// Names lists the set flags in declaration order.
func (r Role) Names() []string {
	names := make([]string, 0, len(roleNames))
	for _, rn := range roleNames {
		if r&rn.role != 0 {
			names = append(names, rn.name)
		}
	}
	return names
}

func (r Role) String() string {
	names := r.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// MarshalJSON encodes the role set as an array of names.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Names())
}

// UnmarshalJSON decodes an array of role names. Unknown names are ignored so
// newer peers can declare roles this build does not know.
func (r *Role) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decoding roles: %w", err)
	}
	var out Role
	for _, name := range names {
		for _, rn := range roleNames {
			if strings.EqualFold(rn.name, name) {
				out |= rn.role
			}
		}
	}
	*r = out
	return nil
}

// ParseRole parses a comma or pipe separated list of role names.
func ParseRole(s string) (Role, error) {
	var out Role
	for _, field := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == '|' }) {
		name := strings.TrimSpace(field)
		found := false
		for _, rn := range roleNames {
			if strings.EqualFold(rn.name, name) {
				out |= rn.role
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown role %q", name)
		}
	}
	if out == 0 {
		return 0, fmt.Errorf("no role in %q", s)
	}
	return out, nil
}

// State is the registration state, a set of independent flags.
type State uint8

// Registration flags. A Device is registered once all three are set.
const (
	RegistrationSent State = 1 << iota
	LocalAccepted
	RemoteAccepted
)

// Unregistered is the state of a fresh Device.
const Unregistered State = 0

const stateRegistered = RegistrationSent | LocalAccepted | RemoteAccepted

// Registered reports whether the handshake is complete.
func (s State) Registered() bool {
	return s&stateRegistered == stateRegistered
}

func (s State) String() string {
	switch {
	case s == Unregistered:
		return "unregistered"
	case s.Registered():
		return "registered"
	}
	var parts []string
	if s&RegistrationSent != 0 {
		parts = append(parts, "registration_sent")
	}
	if s&LocalAccepted != 0 {
		parts = append(parts, "local_accepted")
	}
	if s&RemoteAccepted != 0 {
		parts = append(parts, "remote_accepted")
	}
	return strings.Join(parts, "|")
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the form produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unregistered":
		*s = Unregistered
		return nil
	case "registered":
		*s = stateRegistered
		return nil
	}
	var out State
	for _, part := range strings.Split(string(text), "|") {
		switch part {
		case "registration_sent":
			out |= RegistrationSent
		case "local_accepted":
			out |= LocalAccepted
		case "remote_accepted":
			out |= RemoteAccepted
		default:
			return fmt.Errorf("device: unknown state %q", text)
		}
	}
	*s = out
	return nil
}

// RegisterParams are the params of a register request.
type RegisterParams struct {
	Name    string `json:"name"`
	Roles   Role   `json:"roles"`
	Version string `json:"version"`
}

// RegisterResult is the result of an accepted register request. Name is the
// connection id the accepting side filed the sender under.
type RegisterResult struct {
	Accepted bool   `json:"accepted"`
	Name     string `json:"name"`
}

// DisconnectParams are the params of a disconnect notification.
type DisconnectParams struct {
	Reason rpc.DisconnectReason `json:"reason"`
}

// PeerInfo is what the peer declared when it registered.
type PeerInfo struct {
	Name    string `json:"name,omitempty"`
	Roles   Role   `json:"roles"`
	Version string `json:"version,omitempty"`
}

// Result is delivered to a ResponseHandler. Exactly one of Value and Err is
// meaningful: Err is set for error replies, timeouts and disconnects.
type Result struct {
	ID     int64
	Method string
	Value  json.RawMessage
	Err    *rpc.Error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool { return r.Err == nil }

// ResponseHandler receives the outcome of a request. It runs on the
// Device's goroutine and must not block.
type ResponseHandler func(Result)

// Stats are per-Device traffic counters.
type Stats struct {
	RequestsSent          uint64 `json:"requests_sent"`
	ResponsesReceived     uint64 `json:"responses_received"`
	ErrorsReceived        uint64 `json:"errors_received"`
	Timeouts              uint64 `json:"timeouts"`
	RequestsReceived      uint64 `json:"requests_received"`
	NotificationsReceived uint64 `json:"notifications_received"`
	ProtocolErrors        uint64 `json:"protocol_errors"`
}

// Snapshot is a point-in-time view of a Device.
type Snapshot struct {
	ID           string                `json:"id"`
	Session      string                `json:"session"`
	Direction    Direction             `json:"direction"`
	RemoteAddr   string                `json:"remote_addr"`
	ConnectedAt  time.Time             `json:"connected_at"`
	Deadline     time.Time             `json:"registration_deadline"`
	RegisteredAt *time.Time            `json:"registered_at,omitempty"`
	State        State                 `json:"state"`
	Registered   bool                  `json:"registered"`
	Closed       bool                  `json:"closed"`
	Reason       *rpc.DisconnectReason `json:"reason,omitempty"`
	Transport    transport.Status      `json:"transport"`
	Peer         PeerInfo              `json:"peer"`
	Outstanding  int                   `json:"outstanding"`
	Stats        Stats                 `json:"stats"`
}

// validName reports whether a declared registration name is acceptable as a
// connection id.
func validName(name string) bool {
	if name == "" || len(name) > maxNameLength || strings.HasPrefix(name, unregisteredPrefix) {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// Logger is the logging interface used by the device package.
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
