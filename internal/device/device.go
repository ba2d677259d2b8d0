package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// owner is the capability set a Device needs from the Registry that created
// it. The Registry outlives every Device it owns.
type owner interface {
	lookup(method string) (MethodFunc, bool)
	rename(d *Device, requested string) string
	remove(d *Device)
	emit(ev Event)
	now() time.Time
}

// deviceConfig is the per-Device slice of the Registry options.
type deviceConfig struct {
	name           string
	roles          Role
	version        string
	requestTimeout time.Duration
	maxLineLength  int
	accepts        func(version string) (bool, string)
}

// pendingRequest is an outstanding outbound request. Its id is the key in
// the Device's table.
type pendingRequest struct {
	method   string
	issued   time.Time
	deadline time.Time // zero for NoTimeout
	owner    context.Context
	handler  ResponseHandler
}

type counters struct {
	requestsSent          atomic.Uint64
	responsesReceived     atomic.Uint64
	errorsReceived        atomic.Uint64
	timeouts              atomic.Uint64
	requestsReceived      atomic.Uint64
	notificationsReceived atomic.Uint64
	protocolErrors        atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		RequestsSent:          c.requestsSent.Load(),
		ResponsesReceived:     c.responsesReceived.Load(),
		ErrorsReceived:        c.errorsReceived.Load(),
		Timeouts:              c.timeouts.Load(),
		RequestsReceived:      c.requestsReceived.Load(),
		NotificationsReceived: c.notificationsReceived.Load(),
		ProtocolErrors:        c.protocolErrors.Load(),
	}
}

// Device is the RPC actor for one connection.
//
// State changes run on the Device's goroutine. The send operations,
// Close, Post and the accessors are safe to call from any goroutine.
type Device struct {
	owner       owner
	transport   transport.Transport
	cfg         deviceConfig
	log         Logger
	session     string
	direction   Direction
	remote      string
	connectedAt time.Time
	deadline    time.Time

	// ctx is cancelled when the Device closes; method handlers run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mailbox *mailbox
	done    chan struct{}

	// lines is only touched on the Device goroutine.
	lines *rpc.LineBuffer

	// mu guards the id counter and the request table together, plus the
	// registration and close state.
	mu            sync.Mutex
	id            string
	previousID    string
	nextID        int64
	pending       map[int64]*pendingRequest
	registerID    int64
	state         State
	peer          PeerInfo
	registeredAt  time.Time
	closed        bool
	reason        rpc.DisconnectReason
	closedAt      time.Time
	deadlineFired bool

	stats counters
}

func newDevice(o owner, t transport.Transport, id string, cfg deviceConfig, period time.Duration, logger Logger) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	now := o.now()
	dir := Outbound
	if t.Inbound() {
		dir = Inbound
	}
	return &Device{
		owner:       o,
		transport:   t,
		cfg:         cfg,
		log:         logger,
		session:     uuid.NewString(),
		direction:   dir,
		remote:      t.RemoteAddr(),
		connectedAt: now,
		deadline:    now.Add(period),
		ctx:         ctx,
		cancel:      cancel,
		mailbox:     newMailbox(),
		done:        make(chan struct{}),
		lines:       rpc.NewLineBuffer(cfg.maxLineLength),
		id:          id,
		pending:     make(map[int64]*pendingRequest),
	}
}

// start runs the Device goroutine and hooks up the transport.
func (d *Device) start() {
	go d.run()
	d.transport.Start(transport.Handler{
		OnReady: func() {
			d.mailbox.post(d.beginRegistration)
		},
		OnData: func(data []byte) {
			d.mailbox.post(func() { d.feed(data) })
		},
		OnClosed: func(reason rpc.DisconnectReason, err error) {
			d.mailbox.post(func() {
				if err != nil {
					d.log.Debug("transport closed", d.kv("reason", reason, "error", err)...)
				}
				d.close(reason, true)
			})
		},
	})
}

func (d *Device) run() {
	defer close(d.done)
	for {
		items, closed := d.mailbox.take()
		if len(items) == 0 {
			if closed {
				return
			}
			<-d.mailbox.notify
			continue
		}
		for _, fn := range items {
			d.invoke(fn)
		}
	}
}

func (d *Device) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("device task panic", d.kv("panic", fmt.Sprint(r))...)
		}
	}()
	fn()
}

// kv prefixes log attributes with the Device identity. It must not be
// called with mu held.
func (d *Device) kv(keysAndValues ...any) []any {
	return append([]any{"device", d.ID(), "session", d.session}, keysAndValues...)
}

// ID returns the connection id: "UnregisteredDevice<N>" until the peer
// registers, then the name it declared.
func (d *Device) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *Device) setID(id string) {
	d.mu.Lock()
	d.id = id
	d.mu.Unlock()
}

// Session returns the unique id of this connection.
func (d *Device) Session() string { return d.session }

// Direction reports whether the connection was accepted or dialed.
func (d *Device) Direction() Direction { return d.direction }

// Context is cancelled when the Device closes.
func (d *Device) Context() context.Context { return d.ctx }

// Done is closed once the Device has closed and drained its queue.
func (d *Device) Done() <-chan struct{} { return d.done }

// Registered reports whether the registration handshake has completed.
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Registered()
}

// Peer returns what the peer declared when it registered.
func (d *Device) Peer() PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer
}

// Closed reports whether the Device has closed and why.
func (d *Device) Closed() (bool, rpc.DisconnectReason) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed, d.reason
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Outstanding returns the number of requests awaiting resolution.
func (d *Device) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns the traffic counters.
func (d *Device) Stats() Stats {
	return d.stats.snapshot()
}

// Snapshot returns a point-in-time view of the Device.
func (d *Device) Snapshot() Snapshot {
	status := d.transport.Status()

	d.mu.Lock()
	s := Snapshot{
		ID:          d.id,
		Session:     d.session,
		Direction:   d.direction,
		RemoteAddr:  d.remote,
		ConnectedAt: d.connectedAt,
		Deadline:    d.deadline,
		State:       d.state,
		Registered:  d.state.Registered(),
		Closed:      d.closed,
		Transport:   status,
		Peer:        d.peer,
		Outstanding: len(d.pending),
	}
	if !d.registeredAt.IsZero() {
		t := d.registeredAt
		s.RegisteredAt = &t
	}
	if d.closed {
		r := d.reason
		s.Reason = &r
	}
	d.mu.Unlock()

	s.Stats = d.stats.snapshot()
	return s
}

// Post runs fn on the Device goroutine. It returns false if the Device has
// already closed.
func (d *Device) Post(fn func()) bool {
	return d.mailbox.post(fn)
}

// Close closes the Device with reason. Only the first call has any effect.
func (d *Device) Close(reason rpc.DisconnectReason) {
	d.mailbox.post(func() { d.close(reason, false) })
}

// feed assembles lines from a transport chunk and handles each in order.
func (d *Device) feed(chunk []byte) {
	if d.isClosed() {
		return
	}
	lines, err := d.lines.Feed(chunk)
	for _, line := range lines {
		d.handleLine(line)
		if d.isClosed() {
			return
		}
	}
	if err != nil {
		d.stats.protocolErrors.Add(1)
		d.log.Warn("inbound line too long", d.kv("error", err)...)
		d.close(rpc.ReasonBufferOverflow, false)
	}
}

// close tears the Device down. It runs on the Device goroutine; the first
// call wins.
func (d *Device) close(reason rpc.DisconnectReason, fromRemote bool) {
	now := d.owner.now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.reason = reason
	d.closedAt = now
	registered := d.state.Registered()
	pending := d.pending
	d.pending = make(map[int64]*pendingRequest)
	d.mu.Unlock()

	d.cancel()

	ids := make([]int64, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := pending[id]
		d.deliver(p, Result{
			ID:     id,
			Method: p.method,
			Err:    rpc.NewError(rpc.CodeDeviceDisconnected, "device disconnected", reason),
		})
	}

	if registered && !fromRemote {
		if env, err := rpc.NewNotification(MethodDisconnect, DisconnectParams{Reason: reason}); err == nil {
			if err := d.transmit(env); err != nil {
				d.log.Debug("disconnect notification not sent", d.kv("error", err)...)
			}
		}
	}

	d.transport.Close(reason)
	d.owner.remove(d)

	stats := d.stats.snapshot()
	d.log.Info("device closed",
		d.kv("reason", reason, "remote", fromRemote, "registered", registered,
			"failed_requests", len(ids), "duration", now.Sub(d.connectedAt).String())...)
	d.owner.emit(d.event(EventClosed, reason, now, stats))

	d.mailbox.close()
}

func (d *Device) event(typ EventType, reason rpc.DisconnectReason, at time.Time, stats Stats) Event {
	status := d.transport.Status()
	d.mu.Lock()
	defer d.mu.Unlock()
	var previous string
	if typ == EventRegistered {
		previous = d.previousID
	}
	return Event{
		Type:       typ,
		Device:     d.id,
		PreviousID: previous,
		Session:    d.session,
		Direction:  d.direction,
		RemoteAddr: d.remote,
		Encrypted:  status.Encrypted,
		Registered: d.state.Registered(),
		Peer:       d.peer,
		Reason:     reason,
		Time:       at,
		Stats:      stats,
	}
}

// deliver invokes a request's handler unless its owner has gone away.
func (d *Device) deliver(p *pendingRequest, r Result) {
	if p.handler == nil {
		return
	}
	if p.owner != nil && p.owner.Err() != nil {
		d.log.Debug("dropping result for cancelled owner", d.kv("id", r.ID, "method", r.Method)...)
		return
	}
	p.handler(r)
}

// transmit encodes env and queues it on the transport regardless of the
// closed flag.
func (d *Device) transmit(env rpc.Envelope) error {
	data, err := rpc.Encode(env)
	if err != nil {
		return err
	}
	if err := d.transport.Send(data); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrDeviceClosed
		}
		return fmt.Errorf("sending %s: %w", env.Kind, err)
	}
	return nil
}

// write transmits env unless the Device is closed.
func (d *Device) write(env rpc.Envelope) error {
	if d.isClosed() {
		return ErrDeviceClosed
	}
	return d.transmit(env)
}

// reply writes an envelope the engine itself produced, logging failures.
func (d *Device) reply(env rpc.Envelope) {
	if err := d.write(env); err != nil && !errors.Is(err, ErrDeviceClosed) {
		d.log.Warn("failed to send reply", d.kv("kind", env.Kind, "id", env.ID, "error", err)...)
	}
}
