package transport

import "sync"

// defaultQueueBytes bounds the bytes waiting in a send queue.
const defaultQueueBytes = 64 << 20

// sendQueue is an unbounded-by-count, bounded-by-bytes FIFO of outbound
// chunks with a single consumer.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	size   int
	limit  int
	closed bool
	notify chan struct{}
}

func newSendQueue(limit int) *sendQueue {
	if limit <= 0 {
		limit = defaultQueueBytes
	}
	return &sendQueue{limit: limit, notify: make(chan struct{}, 1)}
}

// push copies data onto the queue.
func (q *sendQueue) push(data []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.size+len(data) > q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.items = append(q.items, buf)
	q.size += len(buf)
	q.mu.Unlock()

	q.signal()
	return nil
}

// take removes and returns everything queued.
func (q *sendQueue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.size = 0
	return items
}

// close rejects further pushes. Queued items can still be taken.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *sendQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
