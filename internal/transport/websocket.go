package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// WebSocket defaults.
const (
	defaultWSMaxMessageSize = 1 << 20
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WebSocketOptions configures a WebSocket transport.
type WebSocketOptions struct {
	// MaxMessageSize bounds one inbound frame. Default: 1 MiB.
	MaxMessageSize int64

	// PingInterval is how often the writer pings the peer. Default: 30s.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong past PingInterval, and the
	// deadline for each write. Default: 10s.
	PongTimeout time.Duration

	// QueueBytes bounds data waiting to be written. Default: 64 MiB.
	QueueBytes int

	// Encrypted records whether the underlying HTTP connection is TLS.
	Encrypted bool

	// Logger receives connection diagnostics. Optional.
	Logger Logger
}

func (o *WebSocketOptions) applyDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultWSMaxMessageSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultWSPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultWSPongTimeout
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
}

// Ensure WebSocket implements Transport.
var _ Transport = (*WebSocket)(nil)

// WebSocket carries one RPC line per text frame. Encryption is the HTTP
// layer's concern, so the transport is ready as soon as it starts.
type WebSocket struct {
	conn    *websocket.Conn
	inbound bool
	remote  string
	opts    WebSocketOptions

	queue      *sendQueue
	done       *closeOnce
	writerDone chan struct{}
	startOnce  sync.Once

	mu      sync.Mutex
	closing bool
	closed  bool
	reason  rpc.DisconnectReason
}

// NewWebSocket wraps an upgraded connection.
func NewWebSocket(conn *websocket.Conn, inbound bool, opts WebSocketOptions) *WebSocket {
	opts.applyDefaults()
	return &WebSocket{
		conn:       conn,
		inbound:    inbound,
		remote:     conn.RemoteAddr().String(),
		opts:       opts,
		queue:      newSendQueue(opts.QueueBytes),
		done:       newCloseOnce(),
		writerDone: make(chan struct{}),
	}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts WebSocketOptions) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	opts.Encrypted = strings.HasPrefix(url, "wss://")
	return NewWebSocket(conn, false, opts), nil
}

// Start launches the read and write pumps.
func (w *WebSocket) Start(h Handler) {
	w.startOnce.Do(func() {
		go w.run(h)
	})
}

// Send queues one or more lines.
func (w *WebSocket) Send(data []byte) error {
	err := w.queue.push(data)
	if errors.Is(err, ErrQueueFull) {
		w.opts.Logger.Warn("send queue full, closing websocket", "remote", w.remote)
		w.Close(rpc.ReasonBufferOverflow)
	}
	return err
}

// Close flushes queued lines, sends a close frame and closes the
// connection.
func (w *WebSocket) Close(reason rpc.DisconnectReason) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	w.closing = true
	w.reason = reason
	w.mu.Unlock()

	w.queue.close()
	w.done.Close()
}

// Status reports a ready transport whose encryption is inherited from HTTP.
func (w *WebSocket) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Local:     PolicyDisabled,
		Remote:    PolicyUnknown,
		Phase:     PhaseReady,
		Encrypted: w.opts.Encrypted,
		Closed:    w.closed,
	}
}

// RemoteAddr returns the peer's network address.
func (w *WebSocket) RemoteAddr() string { return w.remote }

// Inbound reports whether the connection was upgraded by the server.
func (w *WebSocket) Inbound() bool { return w.inbound }

func (w *WebSocket) run(h Handler) {
	go w.writePump()
	if h.OnReady != nil {
		h.OnReady()
	}

	readErr := w.readPump(h)

	w.done.Close()
	<-w.writerDone
	w.conn.Close()

	w.mu.Lock()
	reason, err := w.reason, error(nil)
	if !w.closing {
		w.closing = true
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			reason = rpc.ReasonStreamClosed
		} else {
			reason, err = rpc.ReasonFatalError, readErr
		}
	}
	w.closed = true
	w.mu.Unlock()
	w.queue.close()

	w.opts.Logger.Debug("websocket closed", "remote", w.remote, "reason", reason.String(), "error", err)
	if h.OnClosed != nil {
		h.OnClosed(reason, err)
	}
}

// readPump delivers each frame as one newline-terminated line.
func (w *WebSocket) readPump(h Handler) error {
	w.conn.SetReadLimit(w.opts.MaxMessageSize)
	wait := w.opts.PingInterval + w.opts.PongTimeout
	//nolint:errcheck // Best-effort deadline on connection setup
	w.conn.SetReadDeadline(time.Now().Add(wait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		//nolint:errcheck // Best-effort deadline reset
		w.conn.SetReadDeadline(time.Now().Add(wait))
		if len(message) == 0 || message[len(message)-1] != '\n' {
			message = append(message, '\n')
		}
		if h.OnData != nil {
			h.OnData(message)
		}
	}
}

// writePump writes queued lines as text frames and pings the peer.
func (w *WebSocket) writePump() {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(w.writerDone)
	}()

	for {
		select {
		case <-w.queue.notify:
			if err := w.flush(); err != nil {
				w.opts.Logger.Debug("websocket write failed", "remote", w.remote, "error", err)
				w.conn.Close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			w.conn.SetWriteDeadline(time.Now().Add(w.opts.PongTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.conn.Close()
				return
			}
		case <-w.done.Done():
			//nolint:errcheck // Best-effort flush on shutdown
			w.flush()
			w.mu.Lock()
			reason := w.reason
			w.mu.Unlock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason.String())
			//nolint:errcheck // Best-effort close message
			w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.opts.PongTimeout))
			w.conn.Close()
			return
		}
	}
}

func (w *WebSocket) flush() error {
	for _, item := range w.queue.take() {
		for _, line := range bytes.Split(item, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			w.conn.SetWriteDeadline(time.Now().Add(w.opts.PongTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return err
			}
		}
	}
	return nil
}
