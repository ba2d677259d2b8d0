package rpc

import (
	"bytes"
	"fmt"
)

// DefaultMaxLineLength bounds a single message when no limit is configured.
const DefaultMaxLineLength = 16 << 20

// LineBuffer assembles newline-terminated lines from arbitrary chunks of a
// byte stream. It is not safe for concurrent use; each connection owns one.
type LineBuffer struct {
	max     int
	pending []byte
}

// NewLineBuffer creates a LineBuffer that rejects lines longer than max
// bytes (excluding the terminator). max <= 0 selects DefaultMaxLineLength.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &LineBuffer{max: max}
}

// Feed appends a chunk and returns every line it completes, without the
// trailing newline. Once ErrLineTooLong is returned the stream is
// unrecoverable and the buffer must be discarded.
func (b *LineBuffer) Feed(chunk []byte) ([][]byte, error) {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if len(b.pending)+len(chunk) > b.max {
				return lines, fmt.Errorf("%w: %d bytes pending", ErrLineTooLong, len(b.pending)+len(chunk))
			}
			b.pending = append(b.pending, chunk...)
			return lines, nil
		}

		if len(b.pending)+i > b.max {
			return lines, fmt.Errorf("%w: %d bytes", ErrLineTooLong, len(b.pending)+i)
		}
		line := make([]byte, 0, len(b.pending)+i)
		line = append(line, b.pending...)
		line = append(line, chunk[:i]...)
		b.pending = b.pending[:0]
		lines = append(lines, line)
		chunk = chunk[i+1:]
	}
	return lines, nil
}

// Pending reports how many bytes of an incomplete line are buffered.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}
