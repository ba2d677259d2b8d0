package rpc

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the constant value of the "jsonrpc" member carried by
// every envelope.
const ProtocolVersion = "2.0"

// Kind discriminates the four envelope shapes.
type Kind uint8

// Envelope kinds.
const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Envelope is one RPC message.
//
// ID is meaningful for requests, responses and errors. For an Error envelope
// an ID of zero encodes as "id":null, which is how errors that cannot be
// correlated to a request (parse errors, notification-derived errors) are
// sent.
type Envelope struct {
	Kind   Kind
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a Request envelope. params may be nil.
func NewRequest(id int64, method string, params any) (Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding params for %s: %w", method, err)
	}
	return Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification envelope. params may be nil.
func NewNotification(method string, params any) (Envelope, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding params for %s: %w", method, err)
	}
	return Envelope{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a Response envelope. A nil result encodes as null.
func NewResponse(id int64, result any) (Envelope, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding result for id %d: %w", id, err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return Envelope{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorEnvelope builds an Error envelope. id zero means "id":null.
func NewErrorEnvelope(id int64, rpcErr *Error) Envelope {
	return Envelope{Kind: KindError, ID: id, Error: rpcErr}
}

// Validate checks that the envelope can be encoded: the fields required by
// its kind are present and no field belonging to another kind is set.
func (e Envelope) Validate() error {
	switch e.Kind {
	case KindRequest:
		if e.Method == "" || e.ID <= 0 {
			return fmt.Errorf("%w: request needs method and positive id", ErrInvalidEnvelope)
		}
		if e.Result != nil || e.Error != nil {
			return fmt.Errorf("%w: request carries result or error", ErrInvalidEnvelope)
		}
	case KindNotification:
		if e.Method == "" {
			return fmt.Errorf("%w: notification needs method", ErrInvalidEnvelope)
		}
		if e.ID != 0 || e.Result != nil || e.Error != nil {
			return fmt.Errorf("%w: notification carries id, result or error", ErrInvalidEnvelope)
		}
	case KindResponse:
		if e.ID <= 0 || e.Result == nil {
			return fmt.Errorf("%w: response needs positive id and result", ErrInvalidEnvelope)
		}
		if e.Method != "" || e.Params != nil || e.Error != nil {
			return fmt.Errorf("%w: response carries method, params or error", ErrInvalidEnvelope)
		}
	case KindError:
		if e.Error == nil || e.ID < 0 {
			return fmt.Errorf("%w: error needs error object and non-negative id", ErrInvalidEnvelope)
		}
		if e.Method != "" || e.Params != nil || e.Result != nil {
			return fmt.Errorf("%w: error carries method, params or result", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// UnmarshalParams decodes the envelope's params into v. Absent params leave v
// untouched.
func (e Envelope) UnmarshalParams(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	return json.Unmarshal(e.Params, v)
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
