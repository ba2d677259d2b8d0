package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for socket transports.
const (
	// defaultHandshakeTimeout bounds the policy exchange plus TLS handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultWriteTimeout is the deadline for each flush of the send queue.
	defaultWriteTimeout = 10 * time.Second

	// defaultKeepAlivePeriod is the TCP keep-alive interval for remote peers.
	defaultKeepAlivePeriod = 30 * time.Second

	// readBufferSize is the size of each read from the connection.
	readBufferSize = 32 << 10

	// maxPreambleLength bounds the policy announcement line.
	maxPreambleLength = 64

	// preamblePrefix starts the policy announcement line.
	preamblePrefix = "ENCRYPTION "
)

// SocketOptions configures a Socket.
type SocketOptions struct {
	// Policy is the local encryption policy. Zero means PolicyDisabled.
	Policy Policy

	// TLSConfig is required unless Policy is PolicyDisabled. Accepted
	// sockets act as TLS server, dialed sockets as TLS client.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the policy exchange and TLS handshake.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each flush of queued data.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// KeepAlivePeriod is used for non-loopback peers.
	// Default: 30 seconds.
	KeepAlivePeriod time.Duration

	// QueueBytes bounds data waiting to be written. Exceeding it closes the
	// socket with rpc.ReasonBufferOverflow.
	// Default: 64 MiB.
	QueueBytes int

	// Logger receives connection diagnostics. Optional.
	Logger Logger
}

// Validate checks the options for consistency.
func (o SocketOptions) Validate() error {
	if o.Policy > PolicyRequired {
		return fmt.Errorf("%w: %d", ErrInvalidPolicy, o.Policy)
	}
	if o.Policy != PolicyUnknown && o.Policy != PolicyDisabled && o.TLSConfig == nil {
		return fmt.Errorf("%w: policy %s", ErrTLSRequired, o.Policy)
	}
	return nil
}

func (o *SocketOptions) applyDefaults() {
	if o.Policy == PolicyUnknown {
		o.Policy = PolicyDisabled
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// SocketStats holds operational statistics.
type SocketStats struct {
	BytesTx      uint64
	BytesRx      uint64
	LastActivity time.Time
}

// Ensure Socket implements Transport.
var _ Transport = (*Socket)(nil)

// Socket is a stream-socket Transport with encryption negotiation.
//
// Thread Safety:
//   - Send, Close, Status, Stats and RemoteAddr are safe for concurrent use.
//   - Handler callbacks run on the socket's read goroutine.
type Socket struct {
	opts    SocketOptions
	raw     net.Conn
	inbound bool
	remote  string

	queue      *sendQueue
	done       *closeOnce
	writerDone chan struct{}
	startOnce  sync.Once

	mu            sync.Mutex
	status        Status
	reason        rpc.DisconnectReason
	closing       bool
	writerStarted bool
	writeErr      error

	bytesTx      atomic.Uint64
	bytesRx      atomic.Uint64
	lastActivity atomic.Int64
}

// NewSocket wraps an established connection. inbound is true for accepted
// connections; it selects the TLS server role.
//
// Parameters:
//   - conn: Connected stream socket; ownership passes to the Socket
//   - inbound: Whether the connection was accepted by a listener
//   - opts: Encryption policy, TLS material and timeouts
//
// Returns:
//   - *Socket: Transport ready for Start
//   - error: If the options are inconsistent
func NewSocket(conn net.Conn, inbound bool, opts SocketOptions) (*Socket, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newSocket(conn, inbound, opts), nil
}

func newSocket(conn net.Conn, inbound bool, opts SocketOptions) *Socket {
	opts.applyDefaults()
	s := &Socket{
		opts:       opts,
		raw:        conn,
		inbound:    inbound,
		remote:     conn.RemoteAddr().String(),
		queue:      newSendQueue(opts.QueueBytes),
		done:       newCloseOnce(),
		writerDone: make(chan struct{}),
		status: Status{
			Local:  opts.Policy,
			Remote: PolicyUnknown,
			Phase:  PhaseDetermining,
		},
	}
	s.lastActivity.Store(time.Now().Unix())
	return s
}

// Start negotiates encryption in the background and then begins reading.
func (s *Socket) Start(h Handler) {
	s.startOnce.Do(func() {
		go s.run(h)
	})
}

// Send queues data for the writer goroutine.
func (s *Socket) Send(data []byte) error {
	err := s.queue.push(data)
	if errors.Is(err, ErrQueueFull) {
		s.opts.Logger.Warn("send queue full, closing connection", "remote", s.remote)
		s.Close(rpc.ReasonBufferOverflow)
	}
	return err
}

// Close flushes queued data and closes the connection. Safe to call
// multiple times; the first reason is reported to OnClosed.
func (s *Socket) Close(reason rpc.DisconnectReason) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.reason = reason
	started := s.writerStarted
	s.mu.Unlock()

	s.queue.close()
	s.done.Close()

	// Without a writer nobody else will interrupt the handshake.
	if !started {
		s.raw.Close()
	}
}

// Status returns the encryption state.
func (s *Socket) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteAddr returns the peer's network address.
func (s *Socket) RemoteAddr() string { return s.remote }

// Inbound reports whether the socket was accepted by a listener.
func (s *Socket) Inbound() bool { return s.inbound }

// Stats returns current byte counters.
func (s *Socket) Stats() SocketStats {
	return SocketStats{
		BytesTx:      s.bytesTx.Load(),
		BytesRx:      s.bytesRx.Load(),
		LastActivity: time.Unix(s.lastActivity.Load(), 0),
	}
}

// run owns the connection for its whole life: negotiate, read until the
// connection ends, then report closure exactly once.
func (s *Socket) run(h Handler) {
	s.tune()

	conn, err := s.negotiate()
	if err != nil {
		s.raw.Close()
		s.finish(h, s.negotiationReason(err), err)
		return
	}

	s.mu.Lock()
	if s.closing {
		reason := s.reason
		s.mu.Unlock()
		conn.Close()
		s.finish(h, reason, nil)
		return
	}
	s.status.Phase = PhaseReady
	s.writerStarted = true
	s.mu.Unlock()

	s.opts.Logger.Debug("connection ready",
		"remote", s.remote, "inbound", s.inbound, "encrypted", s.Status().Encrypted)

	go s.writeLoop(conn)
	if h.OnReady != nil {
		h.OnReady()
	}

	readErr := s.readLoop(conn, h)

	// Stop the writer; it flushes what it can and closes the connection.
	s.done.Close()
	<-s.writerDone
	conn.Close()

	reason, err := s.closeReason(readErr)
	s.finish(h, reason, err)
}

// finish marks the socket closed and reports it.
func (s *Socket) finish(h Handler, reason rpc.DisconnectReason, err error) {
	s.mu.Lock()
	s.closing = true
	s.status.Closed = true
	s.mu.Unlock()
	s.queue.close()
	s.done.Close()

	s.opts.Logger.Debug("connection closed", "remote", s.remote, "reason", reason.String(), "error", err)
	if h.OnClosed != nil {
		h.OnClosed(reason, err)
	}
}

// closeReason maps how the read loop ended onto a disconnect reason.
func (s *Socket) closeReason(readErr error) (rpc.DisconnectReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closing:
		return s.reason, nil
	case s.writeErr != nil:
		return rpc.ReasonFatalError, s.writeErr
	case errors.Is(readErr, io.EOF):
		return rpc.ReasonStreamClosed, nil
	default:
		return rpc.ReasonFatalError, readErr
	}
}

// negotiationReason maps a negotiation failure onto a disconnect reason.
func (s *Socket) negotiationReason(err error) rpc.DisconnectReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closing:
		return s.reason
	case errors.Is(err, ErrPolicyMismatch):
		return rpc.ReasonEncryptionRequired
	case s.status.Phase >= PhaseNegotiating && s.opts.Policy == PolicyRequired:
		return rpc.ReasonEncryptionRequired
	case errors.Is(err, io.EOF):
		return rpc.ReasonStreamClosed
	default:
		return rpc.ReasonFatalError
	}
}

// tune disables send coalescing and enables keep-alive probes for peers
// that are not on the loopback interface.
func (s *Socket) tune() {
	tcp, ok := s.raw.(*net.TCPConn)
	if !ok {
		return
	}
	//nolint:errcheck // Best-effort socket options
	tcp.SetNoDelay(true)

	if isLoopback(tcp.RemoteAddr()) {
		//nolint:errcheck // Best-effort socket options
		tcp.SetKeepAlive(false)
		return
	}
	//nolint:errcheck // Best-effort socket options
	tcp.SetKeepAlive(true)
	//nolint:errcheck // Best-effort socket options
	tcp.SetKeepAlivePeriod(s.opts.KeepAlivePeriod)
}

func isLoopback(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	return ok && tcpAddr.IP.IsLoopback()
}

// negotiate exchanges policies with the peer and, when the outcome is to
// encrypt, runs the TLS handshake. It returns the connection RPC traffic
// flows over.
func (s *Socket) negotiate() (net.Conn, error) {
	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	if err := s.raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", ErrHandshakeFailed, err)
	}

	// Announce and read concurrently: on synchronous pipes a write blocks
	// until the peer reads.
	local := s.opts.Policy
	writeErr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(s.raw, preamblePrefix+local.String()+"\n")
		writeErr <- err
	}()

	br := bufio.NewReaderSize(s.raw, readBufferSize)
	remote, readErr := readPreamble(br)
	if err := <-writeErr; err != nil {
		return nil, fmt.Errorf("%w: announce policy: %w", ErrHandshakeFailed, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: read peer policy: %w", ErrHandshakeFailed, readErr)
	}

	s.mu.Lock()
	s.status.Remote = remote
	s.mu.Unlock()

	encrypt, err := Decide(local, remote)
	if err != nil {
		s.opts.Logger.Warn("encryption policy mismatch",
			"remote", s.remote, "local_policy", local.String(), "remote_policy", remote.String())
		return nil, err
	}

	conn := &bufferedConn{Conn: s.raw, r: br}
	if !encrypt {
		if err := s.raw.SetDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("%w: clear deadline: %w", ErrHandshakeFailed, err)
		}
		return conn, nil
	}

	s.mu.Lock()
	s.status.Phase = PhaseNegotiating
	s.mu.Unlock()

	var tlsConn *tls.Conn
	if s.inbound {
		tlsConn = tls.Server(conn, s.opts.TLSConfig)
	} else {
		tlsConn = tls.Client(conn, s.opts.TLSConfig)
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.opts.Logger.Warn("tls handshake failed", "remote", s.remote, "error", err)
		return nil, fmt.Errorf("%w: tls: %w", ErrHandshakeFailed, err)
	}
	if err := s.raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %w", ErrHandshakeFailed, err)
	}

	s.mu.Lock()
	s.status.Phase = PhaseHandshakeSucceeded
	s.status.Encrypted = true
	s.mu.Unlock()
	return tlsConn, nil
}

// readPreamble reads the peer's policy announcement.
func readPreamble(br *bufio.Reader) (Policy, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return PolicyUnknown, errors.New("policy announcement too long")
		}
		return PolicyUnknown, err
	}
	if len(line) > maxPreambleLength {
		return PolicyUnknown, fmt.Errorf("policy announcement too long: %d bytes", len(line))
	}

	text := strings.TrimSpace(string(line))
	name, ok := strings.CutPrefix(text, preamblePrefix)
	if !ok {
		return PolicyUnknown, fmt.Errorf("unexpected announcement %q", text)
	}
	return ParsePolicy(name)
}

// readLoop delivers every chunk read from conn until it fails.
func (s *Socket) readLoop(conn net.Conn, h Handler) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.bytesRx.Add(uint64(n)) //nolint:gosec // n is non-negative
			s.lastActivity.Store(time.Now().Unix())
			if h.OnData != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				h.OnData(chunk)
			}
		}
		if err != nil {
			return err
		}
	}
}

// writeLoop drains the send queue until the socket is closed, then makes a
// final best-effort flush and closes the connection.
func (s *Socket) writeLoop(conn net.Conn) {
	defer close(s.writerDone)

	for {
		select {
		case <-s.queue.notify:
			if err := s.flush(conn); err != nil {
				s.mu.Lock()
				if s.writeErr == nil {
					s.writeErr = err
				}
				s.mu.Unlock()
				s.opts.Logger.Warn("write failed", "remote", s.remote, "error", err)
				conn.Close()
				return
			}
		case <-s.done.Done():
			if err := s.flush(conn); err != nil {
				s.opts.Logger.Debug("final flush failed", "remote", s.remote, "error", err)
			}
			conn.Close()
			return
		}
	}
}

func (s *Socket) flush(conn net.Conn) error {
	items := s.queue.take()
	if len(items) == 0 {
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	bufs := net.Buffers(items)
	n, err := bufs.WriteTo(conn)
	s.bytesTx.Add(uint64(n)) //nolint:gosec // n is non-negative
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	s.lastActivity.Store(time.Now().Unix())
	return nil
}

// bufferedConn reads through the reader that consumed the policy line, so
// bytes the peer sent right after it are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
