package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// EventType names a Device lifecycle transition.
type EventType string

// Lifecycle events, reported in this order for every Device. A Device that
// never registers skips EventRegistered.
const (
	EventConnected  EventType = "connected"
	EventRegistered EventType = "registered"
	EventClosed     EventType = "closed"
)

// Event describes one lifecycle transition.
type Event struct {
	Type       EventType            `json:"type"`
	Device     string               `json:"device"`
	PreviousID string               `json:"previous_id,omitempty"`
	Session    string               `json:"session"`
	Direction  Direction            `json:"direction"`
	RemoteAddr string               `json:"remote_addr"`
	Encrypted  bool                 `json:"encrypted"`
	Registered bool                 `json:"registered"`
	Peer       PeerInfo             `json:"peer"`
	Reason     rpc.DisconnectReason `json:"reason"`
	Time       time.Time            `json:"time"`
	Stats      Stats                `json:"stats"`
}

// EventSink receives lifecycle events. HandleEvent is called on the Device's
// goroutine and must return promptly; wrap slow sinks in an AsyncSink.
type EventSink interface {
	HandleEvent(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ev Event)

// HandleEvent calls f(ev).
func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// HandleEvent forwards ev to each sink.
func (m MultiSink) HandleEvent(ev Event) {
	for _, s := range m {
		if s != nil {
			s.HandleEvent(ev)
		}
	}
}

// defaultAsyncQueue is the AsyncSink buffer when none is given.
const defaultAsyncQueue = 256

// AsyncSink delivers events to a slower sink on its own goroutine. When the
// queue is full new events are dropped and counted rather than stalling the
// Device that reported them.
type AsyncSink struct {
	next  EventSink
	log   Logger
	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	// mu orders enqueues before Close, so the worker's final drain sees
	// every event HandleEvent accepted.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewAsyncSink starts a worker feeding next.
//
// Parameters:
//   - next: The sink events are forwarded to
//   - size: Queue capacity (defaultAsyncQueue if <= 0)
//   - logger: Receives drop and panic reports (may be nil)
//
// Returns:
//   - *AsyncSink: Running sink; call Close to stop it
func NewAsyncSink(next EventSink, size int, logger Logger) *AsyncSink {
	if size <= 0 {
		size = defaultAsyncQueue
	}
	if logger == nil {
		logger = noopLogger{}
	}
	s := &AsyncSink{
		next:  next,
		log:   logger,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// HandleEvent queues ev without blocking.
func (s *AsyncSink) HandleEvent(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
		s.log.Warn("event queue full, dropping event", "type", ev.Type, "device", ev.Device)
	}
}

// Dropped returns how many events were discarded, either because the queue
// was full or because they arrived after Close.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close delivers what is already queued and stops the worker.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.deliver(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event sink panic", "type", ev.Type, "device", ev.Device, "panic", fmt.Sprint(r))
		}
	}()
	s.next.HandleEvent(ev)
}
