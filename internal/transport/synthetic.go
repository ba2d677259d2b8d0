package transport

import (
	"bytes"
	"sync"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// Ensure Synthetic implements Transport.
var _ Transport = (*Synthetic)(nil)

// Synthetic is an in-process Transport. Bytes are delivered with Deliver
// and everything sent is recorded; no goroutines or I/O are involved, so a
// Device can be driven step by step.
//
// Two Synthetics joined by NewPipe forward each Send to the peer's Deliver.
type Synthetic struct {
	inbound   bool
	remote    string
	autoReady bool

	// deliverMu serialises handler callbacks.
	deliverMu sync.Mutex

	mu      sync.Mutex
	handler Handler
	started bool
	ready   bool
	closed  bool
	reason  rpc.DisconnectReason
	sent    bytes.Buffer
	backlog [][]byte
	peer    *Synthetic
}

// NewSynthetic creates an unconnected synthetic transport. The test calls
// MarkReady to simulate the end of the handshake.
func NewSynthetic(inbound bool, remote string) *Synthetic {
	return &Synthetic{inbound: inbound, remote: remote}
}

// NewPipe returns two connected synthetic transports. Each becomes ready as
// soon as it is started; data sent before the peer starts is held until it
// does. The first end is the dialing side.
func NewPipe() (*Synthetic, *Synthetic) {
	a := &Synthetic{inbound: false, remote: "pipe:b", autoReady: true}
	b := &Synthetic{inbound: true, remote: "pipe:a", autoReady: true}
	a.peer = b
	b.peer = a
	return a, b
}

// Start installs the handler and replays anything delivered before.
func (s *Synthetic) Start(h Handler) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.handler = h
	s.started = true
	auto := s.autoReady && !s.closed
	if auto {
		s.ready = true
	}
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	if auto && h.OnReady != nil {
		h.OnReady()
	}
	for _, data := range backlog {
		if h.OnData != nil {
			h.OnData(data)
		}
	}
}

// MarkReady fires OnReady on a started, open transport.
func (s *Synthetic) MarkReady() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if !s.started || s.closed || s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	h := s.handler
	s.mu.Unlock()

	if h.OnReady != nil {
		h.OnReady()
	}
}

// Send records data and forwards it to the peer, if any.
func (s *Synthetic) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sent.Write(data)
	peer := s.peer
	s.mu.Unlock()

	if peer != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		peer.Deliver(buf)
	}
	return nil
}

// Deliver hands data to the handler as if it had been read from the peer.
func (s *Synthetic) Deliver(data []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.started {
		s.backlog = append(s.backlog, data)
		s.mu.Unlock()
		return
	}
	h := s.handler
	s.mu.Unlock()

	if h.OnData != nil {
		h.OnData(data)
	}
}

// Close closes this end with reason; a linked peer observes StreamClosed.
func (s *Synthetic) Close(reason rpc.DisconnectReason) {
	if peer := s.shutdown(reason); peer != nil {
		peer.shutdown(rpc.ReasonStreamClosed)
	}
}

// Hangup simulates the peer dropping the connection.
func (s *Synthetic) Hangup() {
	s.shutdown(rpc.ReasonStreamClosed)
}

// shutdown closes this end once and returns the peer to propagate to.
func (s *Synthetic) shutdown(reason rpc.DisconnectReason) *Synthetic {
	s.deliverMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deliverMu.Unlock()
		return nil
	}
	s.closed = true
	s.reason = reason
	h := s.handler
	started := s.started
	peer := s.peer
	s.mu.Unlock()

	if started && h.OnClosed != nil {
		h.OnClosed(reason, nil)
	}
	s.deliverMu.Unlock()
	return peer
}

// Sent returns a copy of everything sent so far.
func (s *Synthetic) Sent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.sent.Bytes())
}

// SentLines returns everything sent so far, split into lines.
func (s *Synthetic) SentLines() []string {
	sent := s.Sent()
	var lines []string
	for _, line := range bytes.Split(sent, []byte{'\n'}) {
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines
}

// Reset discards recorded output.
func (s *Synthetic) Reset() {
	s.mu.Lock()
	s.sent.Reset()
	s.mu.Unlock()
}

// Closed reports whether the transport is closed and with which reason.
func (s *Synthetic) Closed() (bool, rpc.DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.reason
}

// Status reports a plaintext transport that is ready once started.
func (s *Synthetic) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Local: PolicyDisabled, Remote: PolicyDisabled, Phase: PhaseDetermining, Closed: s.closed}
	if s.ready {
		st.Phase = PhaseReady
	}
	return st
}

// RemoteAddr returns the label given at construction.
func (s *Synthetic) RemoteAddr() string { return s.remote }

// Inbound reports the direction given at construction.
func (s *Synthetic) Inbound() bool { return s.inbound }
