package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DisconnectReason explains why a connection was closed. It travels as the
// data of DeviceDisconnected errors and in disconnect notifications.
type DisconnectReason int

// Disconnect reasons. The numeric values are stable; the wire form is the
// string name.
const (
	ReasonUnknown DisconnectReason = iota
	ReasonShuttingDown
	ReasonRestarting
	ReasonFatalError
	ReasonTerminated
	ReasonRegistrationTimeout
	ReasonBufferOverflow
	ReasonStreamClosed
	ReasonEncryptionRequired
)

var reasonNames = [...]string{
	ReasonUnknown:             "Unknown",
	ReasonShuttingDown:        "ShuttingDown",
	ReasonRestarting:          "Restarting",
	ReasonFatalError:          "FatalError",
	ReasonTerminated:          "Terminated",
	ReasonRegistrationTimeout: "RegistrationTimeout",
	ReasonBufferOverflow:      "BufferOverflow",
	ReasonStreamClosed:        "StreamClosed",
	ReasonEncryptionRequired:  "EncryptionRequired",
}

func (r DisconnectReason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("DisconnectReason(%d)", int(r))
	}
	return reasonNames[r]
}

// ParseDisconnectReason maps a reason name (case-insensitive) back to its
// value. Unrecognised names yield ReasonUnknown and false.
func ParseDisconnectReason(name string) (DisconnectReason, bool) {
	for i, n := range reasonNames {
		if strings.EqualFold(n, name) {
			return DisconnectReason(i), true
		}
	}
	return ReasonUnknown, false
}

// MarshalJSON encodes the reason as its name.
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts a reason name. Unknown names decode as ReasonUnknown
// so that a newer peer's reasons never fail a message.
func (r *DisconnectReason) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("decoding disconnect reason: %w", err)
	}
	*r, _ = ParseDisconnectReason(name)
	return nil
}
