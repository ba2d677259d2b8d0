package device

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
	"github.com/nerrad567/gray-logic-link/internal/transport"
)

const testWait = 2 * time.Second

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "daemon1"
	}
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testWait)
		defer cancel()
		r.CloseAll(ctx, rpc.ReasonShuttingDown) //nolint:errcheck // cleanup
	})
	return r
}

// barrier waits until everything already queued on d has run.
func barrier(t *testing.T, d *Device) {
	t.Helper()
	done := make(chan struct{})
	if !d.Post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(testWait):
		t.Fatal("device goroutine stalled")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, d *Device) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(testWait):
		t.Fatal("device did not close")
	}
}

// sent decodes everything written to s.
func sent(t *testing.T, s *transport.Synthetic) []rpc.Envelope {
	t.Helper()
	var out []rpc.Envelope
	for _, line := range s.SentLines() {
		env, err := rpc.Decode([]byte(line), rpc.Strict)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", line, err)
		}
		out = append(out, env)
	}
	return out
}

// attachSynthetic attaches a synthetic transport and makes it ready, so the
// Device has sent its register request.
func attachSynthetic(t *testing.T, r *Registry) (*Device, *transport.Synthetic) {
	t.Helper()
	s := transport.NewSynthetic(true, "synthetic")
	d := r.Attach(s)
	s.MarkReady()
	barrier(t, d)
	return d, s
}

// registerSynthetic completes the handshake by playing the peer "gui1" by
// hand, then clears the recorded output.
func registerSynthetic(t *testing.T, r *Registry) (*Device, *transport.Synthetic) {
	t.Helper()
	d, s := attachSynthetic(t, r)

	out := sent(t, s)
	if len(out) != 1 || out[0].Method != MethodRegister {
		t.Fatalf("expected one register request, got %+v", out)
	}
	s.Deliver([]byte(`{"jsonrpc":"2.0","id":` + itoa(out[0].ID) + `,"result":{"accepted":true,"name":"daemon1"}}` + "\n"))
	s.Deliver([]byte(`{"jsonrpc":"2.0","id":1,"method":"register","params":{"name":"gui1","roles":["client"],"version":"1.0.0"}}` + "\n"))
	barrier(t, d)
	if !d.Registered() {
		t.Fatalf("device not registered, state %v", d.Snapshot().State)
	}
	s.Reset()
	return d, s
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}
