package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceClosed) {
//	    // connection is gone
//	}
var (
	// ErrDeviceClosed is returned by send operations after the Device closed.
	ErrDeviceClosed = errors.New("device: closed")

	// ErrNotRegistered is returned when application traffic is sent before
	// the registration handshake has completed.
	ErrNotRegistered = errors.New("device: not registered")

	// ErrDeviceNotFound is returned when a connection id is not live.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidMethod is returned for an empty method name.
	ErrInvalidMethod = errors.New("device: invalid method name")

	// ErrReservedMethod is returned when registering a handler for a
	// method the engine handles itself.
	ErrReservedMethod = errors.New("device: reserved method name")

	// ErrInvalidVersion is returned when a protocol version or version
	// constraint cannot be parsed.
	ErrInvalidVersion = errors.New("device: invalid protocol version")

	// ErrAlreadyReplied is returned by Call.Reply and Call.Fail when the
	// request has already been answered.
	ErrAlreadyReplied = errors.New("device: request already answered")

	// ErrAsync is returned by a MethodFunc that will answer later through
	// Call.Reply or Call.Fail.
	ErrAsync = errors.New("device: reply deferred")
)
