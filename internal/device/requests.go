package device

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

const (
	// maxRequestID is the largest integer a JSON number holds exactly.
	maxRequestID int64 = 1<<53 - 1

	// requestIDFloor is where the counter restarts after reaching
	// maxRequestID.
	requestIDFloor int64 = 1000
)

// SendRequest sends a request and arranges for handler to receive its
// outcome exactly once: the response, an error reply, a timeout, or a
// DeviceDisconnected failure when the Device closes first.
//
// Parameters:
//   - owner: The handler is dropped if owner is cancelled before the outcome
//     arrives (may be nil)
//   - method: Method name
//   - params: Request params (nil to omit)
//   - timeout: 0 for the Registry's request timeout, NoTimeout for none
//   - handler: Receives the outcome on the Device goroutine (may be nil)
//
// Returns:
//   - int64: The request id
//   - error: ErrDeviceClosed or ErrNotRegistered without sending anything,
//     or an encoding or transport error
func (d *Device) SendRequest(owner context.Context, method string, params any, timeout time.Duration, handler ResponseHandler) (int64, error) {
	return d.sendRequest(owner, method, params, timeout, handler, true)
}

func (d *Device) sendRequest(owner context.Context, method string, params any, timeout time.Duration, handler ResponseHandler, needRegistered bool) (int64, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDeviceClosed
	}
	if needRegistered && !d.state.Registered() {
		d.mu.Unlock()
		return 0, ErrNotRegistered
	}

	id := d.allocateIDLocked()
	env, err := rpc.NewRequest(id, method, params)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	data, err := rpc.Encode(env)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}

	now := d.owner.now()
	p := &pendingRequest{method: method, issued: now, owner: owner, handler: handler}
	if timeout == 0 {
		timeout = d.cfg.requestTimeout
	}
	if timeout > 0 {
		p.deadline = now.Add(timeout)
	}
	d.pending[id] = p
	d.mu.Unlock()

	if err := d.transport.Send(data); err != nil {
		d.mu.Lock()
		ours := d.pending[id] == p
		if ours {
			delete(d.pending, id)
		}
		d.mu.Unlock()
		// If the entry is gone the close path already resolved it.
		if ours {
			return 0, err
		}
	}
	d.stats.requestsSent.Add(1)
	return id, nil
}

// allocateIDLocked returns the next free request id. Ids stay within the
// JSON-safe range and are never handed out while still outstanding.
func (d *Device) allocateIDLocked() int64 {
	for {
		if d.nextID >= maxRequestID {
			d.log.Warn("request id counter wrapped", "device", d.id, "floor", requestIDFloor)
			d.nextID = requestIDFloor
		}
		d.nextID++
		if _, busy := d.pending[d.nextID]; !busy {
			return d.nextID
		}
	}
}

// Call sends a request and waits for its outcome. It must not be called
// from the Device goroutine, including from method handlers.
//
// Parameters:
//   - ctx: Bounds the wait; cancelling it abandons the request
//   - method: Method name
//   - params: Request params (nil to omit)
//   - timeout: As for SendRequest
//
// Returns:
//   - json.RawMessage: The result on success
//   - error: *rpc.Error for error replies, timeouts and disconnects;
//     ctx.Err() if the context ends first; or a SendRequest error
func (d *Device) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan Result, 1)
	id, err := d.SendRequest(ctx, method, params, timeout, func(r Result) { ch <- r })
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Value, nil
	case <-ctx.Done():
		d.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon drops request id from the table without resolving it. A reply
// arriving later is treated as a response to an unknown id.
func (d *Device) abandon(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// SendResponse answers request id with result. A result that cannot be
// encoded is answered with an internal error instead.
func (d *Device) SendResponse(id int64, result any) error {
	env, err := rpc.NewResponse(id, result)
	if err != nil {
		return d.SendError(id, rpc.NewError(rpc.CodeInternalError, "internal error", err.Error()))
	}
	return d.write(env)
}

// SendError answers request id with an error. id zero sends "id":null.
func (d *Device) SendError(id int64, rpcErr *rpc.Error) error {
	return d.write(rpc.NewErrorEnvelope(id, rpcErr))
}

// SendNotification sends a notification. It requires registration.
func (d *Device) SendNotification(method string, params any) error {
	d.mu.Lock()
	closed, registered := d.closed, d.state.Registered()
	d.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	if !registered {
		return ErrNotRegistered
	}
	env, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return d.write(env)
}

// resolve matches a response or error to its pending request. line is the
// raw message, quoted back to the peer when the id is unknown.
func (d *Device) resolve(env rpc.Envelope, line []byte) {
	if env.Kind == rpc.KindError && env.ID == 0 {
		d.stats.errorsReceived.Add(1)
		d.log.Warn("peer reported uncorrelated error", d.kv(errorKV(env.Error)...)...)
		return
	}

	d.mu.Lock()
	p, ok := d.pending[env.ID]
	if ok {
		delete(d.pending, env.ID)
	}
	registered := d.state.Registered()
	d.mu.Unlock()

	if !ok {
		d.stats.protocolErrors.Add(1)
		d.log.Warn("response for unknown request", d.kv("id", env.ID, "kind", env.Kind)...)
		if registered {
			d.reply(rpc.NewErrorEnvelope(0, rpc.NewError(rpc.CodeInvalidResponse, "invalid response", string(line))))
		}
		return
	}

	r := Result{ID: env.ID, Method: p.method}
	if env.Kind == rpc.KindResponse {
		d.stats.responsesReceived.Add(1)
		r.Value = env.Result
	} else {
		d.stats.errorsReceived.Add(1)
		r.Err = env.Error
	}
	d.deliver(p, r)
}

// errorKV describes a peer-reported error for logging. Reserved codes get
// their symbolic name; anything else is an application code.
func errorKV(e *rpc.Error) []any {
	name := rpc.CodeName(e.Code)
	switch {
	case name != "":
	case rpc.IsProtocolCode(e.Code):
		name = "reserved"
	default:
		name = "application"
	}
	return []any{"code", e.Code, "code_name", name, "message", e.Message, "data", string(e.Data)}
}

type expiredRequest struct {
	id int64
	p  *pendingRequest
}

// expire removes requests whose deadline has passed and enforces the
// registration deadline. It is called from the Scheduler goroutine; the
// handlers themselves run on the Device goroutine.
func (d *Device) expire(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	var expired []expiredRequest
	for id, p := range d.pending {
		if !p.deadline.IsZero() && !now.Before(p.deadline) {
			delete(d.pending, id)
			expired = append(expired, expiredRequest{id: id, p: p})
		}
	}
	lapsed := false
	if !d.state.Registered() && !d.deadlineFired && !now.Before(d.deadline) {
		d.deadlineFired = true
		lapsed = true
	}

	// Posting under mu guarantees the mailbox is still open: close marks
	// the Device closed under mu before it shuts the mailbox.
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
		d.stats.timeouts.Add(uint64(len(expired)))
		d.mailbox.post(func() {
			for _, e := range expired {
				d.log.Debug("request timed out", d.kv("id", e.id, "method", e.p.method)...)
				d.deliver(e.p, Result{
					ID:     e.id,
					Method: e.p.method,
					Err:    rpc.NewError(rpc.CodeRequestTimeout, "request timed out", e.p.method),
				})
			}
		})
	}
	if lapsed {
		d.mailbox.post(func() {
			if d.Registered() {
				return
			}
			d.log.Warn("registration deadline passed", d.kv("deadline", d.deadline)...)
			d.close(rpc.ReasonRegistrationTimeout, false)
		})
	}
	return len(expired)
}
