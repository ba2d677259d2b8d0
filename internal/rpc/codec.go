package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Mode selects how Decode treats malformed or unexpected input.
type Mode uint8

const (
	// Strict rejects unknown and duplicate keys and never produces a reply.
	Strict Mode = iota

	// Lenient ignores unknown keys and answers malformed input with an
	// Error envelope.
	Lenient
)

func (m Mode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// Member names of an envelope object.
const (
	keyJSONRPC = "jsonrpc"
	keyID      = "id"
	keyMethod  = "method"
	keyParams  = "params"
	keyResult  = "result"
	keyError   = "error"

	keyCode    = "code"
	keyMessage = "message"
	keyData    = "data"
)

var (
	errSyntax       = errors.New("malformed JSON")
	errNotObject    = errors.New("message is not a JSON object")
	errDuplicateKey = errors.New("duplicate key")
	errUnknownKey   = errors.New("unknown key")
	errKeyCase      = errors.New("key differs from a known member only in case")
)

// ParseError describes why a line could not be decoded. Reply returns the
// Error envelope that should be sent back in lenient mode.
type ParseError struct {
	Code    int
	Message string
	// ID is the request id recovered from the malformed message, or zero
	// when none could be trusted.
	ID  int64
	Err error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc: %s: %v", e.Message, e.Err)
	}
	return "rpc: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// Reply returns the Error envelope answering the malformed message.
func (e *ParseError) Reply() Envelope {
	return NewErrorEnvelope(e.ID, &Error{Code: e.Code, Message: e.Message})
}

// wireEnvelope is the JSON shape of an envelope. Field order here is the
// order members appear on the wire.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// Encode serialises an envelope as one compact JSON object followed by a
// newline.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	w := wireEnvelope{
		JSONRPC: ProtocolVersion,
		Method:  e.Method,
		Params:  e.Params,
		Result:  e.Result,
		Error:   e.Error,
	}
	switch e.Kind {
	case KindRequest, KindResponse:
		w.ID = strconv.AppendInt(nil, e.ID, 10)
	case KindError:
		if e.ID == 0 {
			w.ID = nullID
		} else {
			w.ID = strconv.AppendInt(nil, e.ID, 10)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one line into an envelope.
//
// On failure the error is a *ParseError (or ErrEmptyLine for blank input).
// In Lenient mode the returned envelope is then the Error reply for the
// sender; in Strict mode it is the zero Envelope.
func Decode(line []byte, mode Mode) (Envelope, error) {
	env, perr := decode(line, mode)
	if perr == nil {
		return env, nil
	}
	if errors.Is(perr, ErrEmptyLine) {
		return Envelope{}, ErrEmptyLine
	}
	var pe *ParseError
	if mode == Lenient && errors.As(perr, &pe) {
		return pe.Reply(), pe
	}
	return Envelope{}, perr
}

func decode(line []byte, mode Mode) (Envelope, error) { //nolint:gocognit,gocyclo // one branch per member rule
	data := bytes.TrimSpace(line)
	if len(data) == 0 {
		return Envelope{}, ErrEmptyLine
	}
	if !utf8.Valid(data) {
		return Envelope{}, &ParseError{Code: CodeParseError, Message: "parse error", Err: errors.New("invalid UTF-8")}
	}
	if data[0] == '[' {
		return Envelope{}, &ParseError{Code: CodeBatchNotSupported, Message: "batch not supported"}
	}

	members, err := scanObject(data, isEnvelopeKey, mode == Strict)
	if err != nil {
		return Envelope{}, objectError(err)
	}

	invalid := func(id int64, format string, args ...any) error {
		return &ParseError{Code: CodeInvalidRequest, Message: "invalid request", ID: id, Err: fmt.Errorf(format, args...)}
	}

	version, ok := members[keyJSONRPC]
	if !ok {
		return Envelope{}, invalid(0, "missing %q", keyJSONRPC)
	}
	var versionStr string
	if err := json.Unmarshal(version, &versionStr); err != nil || versionStr != ProtocolVersion {
		return Envelope{}, invalid(0, "unsupported protocol version %s", string(version))
	}

	var (
		id      int64
		idNull  bool
		idRaw   json.RawMessage
		hasID   bool
		replyID int64
	)
	if idRaw, hasID = members[keyID]; hasID {
		id, idNull, err = parseID(idRaw)
		if err != nil {
			return Envelope{}, invalid(0, "%w", err)
		}
	}

	methodRaw, hasMethod := members[keyMethod]
	// Only a request-shaped message gets its id echoed. A broken response
	// or error quoting one of our ids must not resolve that request.
	if hasMethod && id > 0 {
		replyID = id
	}
	resultRaw, hasResult := members[keyResult]
	errorRaw, hasError := members[keyError]
	params, hasParams := members[keyParams]

	discriminators := 0
	for _, present := range []bool{hasMethod, hasResult, hasError} {
		if present {
			discriminators++
		}
	}
	if discriminators != 1 {
		return Envelope{}, invalid(replyID, "exactly one of method, result or error is required")
	}

	switch {
	case hasMethod:
		var method string
		if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
			return Envelope{}, invalid(replyID, "method must be a non-empty string")
		}
		env := Envelope{Method: method}
		if hasParams {
			env.Params = params
		}
		if !hasID {
			env.Kind = KindNotification
			return env, nil
		}
		if idNull || id <= 0 {
			return Envelope{}, invalid(0, "request id must be a positive integer")
		}
		env.Kind = KindRequest
		env.ID = id
		return env, nil

	case hasResult:
		if hasParams {
			return Envelope{}, invalid(0, "response must not carry params")
		}
		if !hasID || idNull || id <= 0 {
			return Envelope{}, invalid(0, "response id must be a positive integer")
		}
		return Envelope{Kind: KindResponse, ID: id, Result: resultRaw}, nil

	default:
		if hasParams {
			return Envelope{}, invalid(0, "error must not carry params")
		}
		if !hasID || (!idNull && id <= 0) {
			return Envelope{}, invalid(0, "error id must be null or a positive integer")
		}
		rpcErr, err := parseErrorObject(errorRaw, mode == Strict)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				return Envelope{}, pe
			}
			return Envelope{}, invalid(0, "%w", err)
		}
		if idNull {
			id = 0
		}
		return Envelope{Kind: KindError, ID: id, Error: rpcErr}, nil
	}
}

// UnmarshalObject decodes the JSON object data into fields, keyed by exact
// member name. Unlike json.Unmarshal it rejects duplicate keys and keys that
// match a field name only case-insensitively, so the decoded values are the
// ones a strict reader would see. Other keys are ignored; absent keys leave
// their targets untouched.
func UnmarshalObject(data []byte, fields map[string]any) error {
	members, err := scanObject(data, func(string) bool { return true }, false)
	if err != nil {
		return err
	}
	for key, raw := range members {
		target, ok := fields[key]
		if !ok {
			for name := range fields {
				if strings.EqualFold(name, key) {
					return fmt.Errorf("%w: %q", errKeyCase, key)
				}
			}
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("member %q: %w", key, err)
		}
	}
	return nil
}

func isEnvelopeKey(key string) bool {
	switch key {
	case keyJSONRPC, keyID, keyMethod, keyParams, keyResult, keyError:
		return true
	}
	return false
}

func isErrorKey(key string) bool {
	switch key {
	case keyCode, keyMessage, keyData:
		return true
	}
	return false
}

// objectError maps a scanObject failure onto the JSON-RPC code: syntax
// errors are parse errors, everything else is an invalid request.
func objectError(err error) error {
	if errors.Is(err, errSyntax) {
		return &ParseError{Code: CodeParseError, Message: "parse error", Err: err}
	}
	return &ParseError{Code: CodeInvalidRequest, Message: "invalid request", Err: err}
}

// scanObject walks a JSON object member by member. A key seen twice is
// always an error, whatever its spelling on the wire, so a later duplicate
// can never override id or method. Unknown keys are either rejected or
// dropped.
func scanObject(data []byte, known func(string) bool, rejectUnknown bool) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errSyntax, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		// A well-formed scalar or string is still valid JSON.
		if !json.Valid(data) {
			return nil, errSyntax
		}
		return nil, errNotObject
	}

	members := make(map[string]json.RawMessage)
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errSyntax, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errSyntax
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w %q", errDuplicateKey, key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", errSyntax, err)
		}
		if !known(key) {
			if rejectUnknown {
				return nil, fmt.Errorf("%w %q", errUnknownKey, key)
			}
			continue
		}
		members[key] = raw
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", errSyntax, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", errSyntax)
	}
	return members, nil
}

func parseID(raw json.RawMessage) (id int64, null bool, err error) {
	text := string(bytes.TrimSpace(raw))
	if text == "null" {
		return 0, true, nil
	}
	id, err = strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("id must be an integer or null, got %s", text)
	}
	return id, false, nil
}

func parseErrorObject(raw json.RawMessage, strict bool) (*Error, error) {
	members, err := scanObject(raw, isErrorKey, strict)
	if err != nil {
		return nil, objectError(err)
	}

	codeRaw, ok := members[keyCode]
	if !ok {
		return nil, errors.New("error object needs a code")
	}
	code, err := strconv.ParseInt(string(bytes.TrimSpace(codeRaw)), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("error code must be an integer: %w", err)
	}

	msgRaw, ok := members[keyMessage]
	if !ok {
		return nil, errors.New("error object needs a message")
	}
	var message string
	if err := json.Unmarshal(msgRaw, &message); err != nil {
		return nil, errors.New("error message must be a string")
	}

	rpcErr := &Error{Code: int(code), Message: message}
	if data, ok := members[keyData]; ok {
		rpcErr.Data = data
	}
	return rpcErr, nil
}
