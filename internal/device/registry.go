package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

// Registry defaults.
const (
	DefaultRegistrationPeriod = 30 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
)

// Options configures a Registry.
type Options struct {
	// Name is the name this node declares when registering.
	Name string

	// Roles are the role flags declared when registering (RoleDaemon if 0).
	Roles Role

	// Version is the protocol version declared (ProtocolVersion if empty).
	Version string

	// MinPeerVersion is a semver constraint peers must satisfy
	// (DefaultMinPeerVersion if empty).
	MinPeerVersion string

	// RegistrationPeriod is how long a new Device has to register.
	RegistrationPeriod time.Duration

	// RequestTimeout applies to requests sent with a zero timeout.
	RequestTimeout time.Duration

	// MaxLineLength bounds one inbound message (rpc.DefaultMaxLineLength
	// if <= 0).
	MaxLineLength int

	// Logger receives engine logs (no-op if nil).
	Logger Logger

	// Sink receives lifecycle events (may be nil).
	Sink EventSink

	// Now overrides the clock (time.Now if nil).
	Now func() time.Time
}

type methodEntry struct {
	fn    MethodFunc
	owner context.Context
}

// Registry owns every live Device and the inbound method dispatch table.
type Registry struct {
	opts       Options
	constraint *semver.Constraints
	log        Logger
	clock      func() time.Time

	mu      sync.RWMutex
	devices map[string]*Device
	seq     atomic.Uint64

	methodsMu sync.RWMutex
	methods   map[string]*methodEntry
}

// NewRegistry validates opts and creates an empty Registry.
//
// Parameters:
//   - opts: Node identity, timing and collaborators
//
// Returns:
//   - *Registry: Ready for Attach and Serve
//   - error: If the name or a version setting is invalid
func NewRegistry(opts Options) (*Registry, error) {
	if !validName(opts.Name) {
		return nil, fmt.Errorf("device: invalid node name %q", opts.Name)
	}
	if opts.Roles == 0 {
		opts.Roles = RoleDaemon
	}
	if opts.Version == "" {
		opts.Version = ProtocolVersion
	}
	if _, err := semver.NewVersion(opts.Version); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, opts.Version, err)
	}
	if opts.MinPeerVersion == "" {
		opts.MinPeerVersion = DefaultMinPeerVersion
	}
	constraint, err := semver.NewConstraint(opts.MinPeerVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: constraint %q: %w", ErrInvalidVersion, opts.MinPeerVersion, err)
	}
	if opts.RegistrationPeriod <= 0 {
		opts.RegistrationPeriod = DefaultRegistrationPeriod
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Registry{
		opts:       opts,
		constraint: constraint,
		log:        logger,
		clock:      opts.Now,
		devices:    make(map[string]*Device),
		methods:    make(map[string]*methodEntry),
	}, nil
}

// Name returns the node name declared to peers.
func (r *Registry) Name() string { return r.opts.Name }

// Version returns the protocol version declared to peers.
func (r *Registry) Version() string { return r.opts.Version }

// Attach creates a Device for t, files it under a temporary id and starts
// it. The Registry owns the Device from here until it closes.
func (r *Registry) Attach(t transport.Transport) *Device {
	id := fmt.Sprintf("%s%d", unregisteredPrefix, r.seq.Add(1))
	cfg := deviceConfig{
		name:           r.opts.Name,
		roles:          r.opts.Roles,
		version:        r.opts.Version,
		requestTimeout: r.opts.RequestTimeout,
		maxLineLength:  r.opts.MaxLineLength,
		accepts:        r.acceptsVersion,
	}
	d := newDevice(r, t, id, cfg, r.opts.RegistrationPeriod, r.log)

	r.mu.Lock()
	r.devices[id] = d
	r.mu.Unlock()

	r.log.Info("device connected", "device", id, "session", d.session, "direction", d.direction, "remote", d.remote)
	r.emit(d.event(EventConnected, rpc.ReasonUnknown, d.connectedAt, Stats{}))
	d.start()
	return d
}

// Serve attaches every transport ln accepts until ctx is cancelled or the
// listener fails. The listener is closed on return.
func (r *Registry) Serve(ctx context.Context, ln transport.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close() //nolint:errcheck // unblocks Accept; error irrelevant
	})
	defer stop()
	defer ln.Close() //nolint:errcheck // best-effort on return

	for {
		t, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		r.Attach(t)
	}
}

// RegisterMethod installs fn as the handler for method, replacing any
// previous handler.
func (r *Registry) RegisterMethod(method string, fn MethodFunc) error {
	return r.RegisterOwnedMethod(nil, method, fn)
}

// RegisterOwnedMethod installs fn for as long as owner is live. Once owner
// is cancelled the entry is removed the next time the method is looked up.
func (r *Registry) RegisterOwnedMethod(owner context.Context, method string, fn MethodFunc) error {
	if method == "" || fn == nil {
		return ErrInvalidMethod
	}
	if method == MethodRegister || method == MethodDisconnect {
		return fmt.Errorf("%w: %s", ErrReservedMethod, method)
	}
	r.methodsMu.Lock()
	r.methods[method] = &methodEntry{fn: fn, owner: owner}
	r.methodsMu.Unlock()
	return nil
}

// UnregisterMethod removes the handler for method.
func (r *Registry) UnregisterMethod(method string) {
	r.methodsMu.Lock()
	delete(r.methods, method)
	r.methodsMu.Unlock()
}

// Methods lists the method names in the dispatch table, including entries
// whose owner has gone but that have not been pruned yet.
func (r *Registry) Methods() []string {
	r.methodsMu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.methodsMu.RUnlock()
	sort.Strings(names)
	return names
}

// Get returns the live Device filed under id.
func (r *Registry) Get(id string) (*Device, error) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// List returns the live Devices ordered by id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Snapshots returns a Snapshot of every live Device, ordered by id.
func (r *Registry) Snapshots() []Snapshot {
	devices := r.List()
	out := make([]Snapshot, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Snapshot())
	}
	return out
}

// Count returns the number of live Devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// CountRegistered returns the number of live, registered Devices.
func (r *Registry) CountRegistered() int {
	n := 0
	for _, d := range r.List() {
		if d.Registered() {
			n++
		}
	}
	return n
}

// CloseAll closes every live Device with reason and waits for them to
// finish, or for ctx to end.
func (r *Registry) CloseAll(ctx context.Context, reason rpc.DisconnectReason) error {
	devices := r.List()
	for _, d := range devices {
		d.Close(reason)
	}
	for _, d := range devices {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return fmt.Errorf("closing devices: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) acceptsVersion(version string) (bool, string) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, r.opts.MinPeerVersion
	}
	return r.constraint.Check(v), r.opts.MinPeerVersion
}

// lookup implements owner. Entries whose owner is gone are pruned here.
func (r *Registry) lookup(method string) (MethodFunc, bool) {
	r.methodsMu.RLock()
	e, ok := r.methods[method]
	r.methodsMu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.owner != nil && e.owner.Err() != nil {
		r.methodsMu.Lock()
		if r.methods[method] == e {
			delete(r.methods, method)
		}
		r.methodsMu.Unlock()
		r.log.Debug("pruned method with cancelled owner", "method", method)
		return nil, false
	}
	return e.fn, true
}

// rename implements owner: it refiles d under the name its peer declared,
// suffixing -2, -3, ... when another Device already holds that name.
func (r *Registry) rename(d *Device, requested string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := d.ID()
	if r.devices[current] == d {
		delete(r.devices, current)
	}
	name := requested
	for i := 2; ; i++ {
		if other, taken := r.devices[name]; !taken || other == d {
			break
		}
		name = fmt.Sprintf("%s-%d", requested, i)
	}
	r.devices[name] = d
	d.setID(name)
	if name != requested {
		r.log.Info("device name in use, renamed", "requested", requested, "device", name)
	}
	return name
}

// remove implements owner.
func (r *Registry) remove(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := d.ID()
	if r.devices[id] == d {
		delete(r.devices, id)
	}
}

// emit implements owner.
func (r *Registry) emit(ev Event) {
	if r.opts.Sink != nil {
		r.opts.Sink.HandleEvent(ev)
	}
}

// now implements owner.
func (r *Registry) now() time.Time {
	return r.clock()
}
