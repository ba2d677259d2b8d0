package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// defaultDialTimeout is the maximum time to wait for a TCP connection.
const defaultDialTimeout = 10 * time.Second

// Listener accepts inbound transports.
type Listener interface {
	// Accept blocks until a peer connects. The returned transport has not
	// been started.
	Accept() (Transport, error)

	// Close stops accepting. Blocked Accept calls return an error.
	Close() error

	// Addr returns the listening address.
	Addr() net.Addr
}

// Ensure SocketListener implements Listener.
var _ Listener = (*SocketListener)(nil)

// SocketListener accepts TCP connections as Sockets.
type SocketListener struct {
	ln   net.Listener
	opts SocketOptions
}

// Listen opens a TCP listener whose accepted connections become Sockets
// with the given options.
//
// Parameters:
//   - ctx: Context for the bind operation
//   - addr: host:port to listen on (port 0 picks a free port)
//   - opts: Options applied to every accepted socket
//
// Returns:
//   - *SocketListener: Listener ready for Accept
//   - error: If the options are invalid or the bind fails
func Listen(ctx context.Context, addr string, opts SocketOptions) (*SocketListener, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	// Keep-alive is configured per connection by Socket.tune.
	lc := net.ListenConfig{KeepAlive: -1}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &SocketListener{ln: ln, opts: opts}, nil
}

// Accept waits for the next connection.
func (l *SocketListener) Accept() (Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newSocket(conn, true, l.opts), nil
}

// Close stops the listener.
func (l *SocketListener) Close() error {
	return l.ln.Close()
}

// Addr returns the bound address.
func (l *SocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Dial connects to addr and wraps the connection as an outbound Socket.
// When the TLS configuration has no ServerName, the host part of addr is
// used for certificate verification.
//
// Parameters:
//   - ctx: Context for cancellation of the dial
//   - addr: host:port of the peer
//   - opts: Encryption policy, TLS material and timeouts
//
// Returns:
//   - *Socket: Unstarted transport
//   - error: If the options are invalid or the dial fails
func Dial(ctx context.Context, addr string, opts SocketOptions) (*Socket, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.TLSConfig != nil && opts.TLSConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		cfg := opts.TLSConfig.Clone()
		cfg.ServerName = host
		opts.TLSConfig = cfg
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	dialer := net.Dialer{KeepAlive: -1}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newSocket(conn, false, opts), nil
}
