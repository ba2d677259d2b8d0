package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol engine error codes. Application codes are positive integers and are
// defined by method handlers, never by this package.
const (
	CodeAccessDenied       = -32000
	CodeInvalidResponse    = -32001
	CodeNotSupported       = -32002
	CodeBatchNotSupported  = -32003
	CodeRequestTimeout     = -32004
	CodeEncryptionRequired = -32005
	CodeDeviceDisconnected = -32006
)

// Domain errors for the rpc package.
var (
	// ErrEmptyLine is returned by Decode for a blank line. Callers skip it.
	ErrEmptyLine = errors.New("rpc: empty line")

	// ErrLineTooLong is returned by LineBuffer when a line exceeds the limit.
	ErrLineTooLong = errors.New("rpc: line exceeds maximum length")

	// ErrInvalidEnvelope is returned by Encode for an envelope that cannot
	// be represented on the wire.
	ErrInvalidEnvelope = errors.New("rpc: invalid envelope")
)

// Error is the error object carried by an Error envelope. It implements the
// error interface so method handlers can return it directly; the code,
// message and data then pass through to the requester unchanged.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError builds an Error. data may be nil, a json.RawMessage, or any
// JSON-marshalable value; a value that fails to marshal is replaced by its
// fmt representation.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		e.Data = marshalData(data)
	}
	return e
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsProtocolCode reports whether the code is reserved by the JSON-RPC
// standard or by the protocol engine, as opposed to an application code.
func IsProtocolCode(code int) bool {
	return code >= -32768 && code <= CodeAccessDenied
}

// AsError converts any error into an *Error. Errors that already wrap an
// *Error keep their code; everything else becomes an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(CodeInternalError, err.Error(), nil)
}

// CodeName returns the symbolic name of a protocol error code, or "" for
// application codes.
func CodeName(code int) string {
	switch code {
	case CodeParseError:
		return "E_PARSE"
	case CodeInvalidRequest:
		return "E_INVALID_REQUEST"
	case CodeMethodNotFound:
		return "E_JSON_METHOD"
	case CodeInvalidParams:
		return "E_INVALID_PARAMS"
	case CodeInternalError:
		return "E_INTERNAL"
	case CodeAccessDenied:
		return "E_ACCESS_DENIED"
	case CodeInvalidResponse:
		return "E_INVALID_RESPONSE"
	case CodeNotSupported:
		return "E_NOT_SUPPORTED"
	case CodeBatchNotSupported:
		return "E_BATCH_NOT_SUPPORTED"
	case CodeRequestTimeout:
		return "E_REQUEST_TIMEOUT"
	case CodeEncryptionRequired:
		return "E_ENCRYPTION_REQUIRED"
	case CodeDeviceDisconnected:
		return "E_DEVICE_DISCONNECTED"
	default:
		return ""
	}
}

func marshalData(data any) json.RawMessage {
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(data)) //nolint:errcheck // marshalling a string cannot fail
	}
	return b
}
