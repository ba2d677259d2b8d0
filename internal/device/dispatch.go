package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// MethodFunc handles an inbound request or notification. The returned value
// is sent as the result; a returned error is sent as an error reply (an
// *rpc.Error keeps its code, anything else becomes an internal error).
// Returning ErrAsync defers the answer to Call.Reply or Call.Fail.
//
// ctx is cancelled when the Device closes. Handlers run on the Device
// goroutine and must not block; long work belongs in its own goroutine with
// ErrAsync.
type MethodFunc func(ctx context.Context, c *Call) (any, error)

// Call is one inbound request or notification.
type Call struct {
	Device *Device
	// ID is zero for notifications.
	ID     int64
	Method string
	Params json.RawMessage

	replied atomic.Bool
}

// IsNotification reports whether no answer is expected.
func (c *Call) IsNotification() bool { return c.ID == 0 }

// Bind decodes the params into v. Absent params leave v untouched. The
// error is an invalid-params *rpc.Error suitable for returning directly.
func (c *Call) Bind(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return rpc.NewError(rpc.CodeInvalidParams, "invalid params", err.Error())
	}
	return nil
}

// Reply sends the result. It is a no-op for notifications and fails with
// ErrAlreadyReplied after the first answer.
func (c *Call) Reply(result any) error {
	if c.IsNotification() {
		return nil
	}
	if !c.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return c.Device.SendResponse(c.ID, result)
}

// Fail sends err as an error reply, with the same rules as Reply.
func (c *Call) Fail(err error) error {
	if c.IsNotification() {
		return nil
	}
	if !c.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return c.Device.SendError(c.ID, rpc.AsError(err))
}

// handleLine decodes and routes one inbound line.
func (d *Device) handleLine(line []byte) {
	registered := d.Registered()
	mode := rpc.Strict
	if registered {
		mode = rpc.Lenient
	}

	env, err := rpc.Decode(line, mode)
	if err != nil {
		if errors.Is(err, rpc.ErrEmptyLine) {
			return
		}
		d.stats.protocolErrors.Add(1)
		if mode == rpc.Lenient {
			d.log.Warn("malformed message", d.kv("error", err)...)
			d.reply(env)
		} else {
			d.log.Debug("dropping malformed message before registration", d.kv("error", err)...)
		}
		return
	}

	if !registered {
		d.handleUnregistered(env, line)
		return
	}
	switch env.Kind {
	case rpc.KindRequest, rpc.KindNotification:
		d.dispatch(env)
	case rpc.KindResponse, rpc.KindError:
		d.resolve(env, line)
	}
}

// handleUnregistered admits only registration traffic. Everything else is
// dropped without a reply.
func (d *Device) handleUnregistered(env rpc.Envelope, line []byte) {
	switch env.Kind {
	case rpc.KindRequest:
		if env.Method == MethodRegister {
			d.handlePeerRegister(env)
			return
		}
	case rpc.KindResponse, rpc.KindError:
		d.mu.Lock()
		ours := env.ID != 0 && env.ID == d.registerID
		d.mu.Unlock()
		if ours {
			d.resolve(env, line)
			return
		}
	}
	d.log.Debug("dropping message before registration", d.kv("kind", env.Kind, "method", env.Method, "id", env.ID)...)
}

// dispatch routes a request or notification from a registered peer.
func (d *Device) dispatch(env rpc.Envelope) {
	isRequest := env.Kind == rpc.KindRequest
	if isRequest {
		d.stats.requestsReceived.Add(1)
	} else {
		d.stats.notificationsReceived.Add(1)
	}

	switch env.Method {
	case MethodRegister:
		if isRequest {
			d.reply(rpc.NewErrorEnvelope(env.ID, rpc.NewError(rpc.CodeInvalidRequest, "already registered", nil)))
		}
		return
	case MethodDisconnect:
		var params DisconnectParams
		if err := env.UnmarshalParams(&params); err != nil {
			params.Reason = rpc.ReasonUnknown
		}
		d.log.Debug("peer disconnecting", d.kv("reason", params.Reason)...)
		d.close(params.Reason, true)
		return
	}

	fn, ok := d.owner.lookup(env.Method)
	if !ok {
		if isRequest {
			d.log.Debug("method not found", d.kv("method", env.Method, "id", env.ID)...)
			d.reply(rpc.NewErrorEnvelope(env.ID, rpc.NewError(rpc.CodeMethodNotFound, "method not found", env.Method)))
		}
		return
	}

	call := &Call{Device: d, ID: env.ID, Method: env.Method, Params: env.Params}
	result, err := d.invokeMethod(fn, call)
	if errors.Is(err, ErrAsync) {
		return
	}
	if call.IsNotification() {
		if err != nil {
			d.log.Debug("notification handler failed", d.kv("method", env.Method, "error", err)...)
		}
		return
	}
	if err != nil {
		err = call.Fail(err)
	} else {
		err = call.Reply(result)
	}
	if err != nil && !errors.Is(err, ErrAlreadyReplied) && !errors.Is(err, ErrDeviceClosed) {
		d.log.Warn("failed to answer request", d.kv("method", env.Method, "id", env.ID, "error", err)...)
	}
}

func (d *Device) invokeMethod(fn MethodFunc, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("method handler panic", d.kv("method", call.Method, "panic", fmt.Sprint(r))...)
			result = nil
			err = rpc.NewError(rpc.CodeInternalError, "internal error", nil)
		}
	}()
	return fn(d.ctx, call)
}
