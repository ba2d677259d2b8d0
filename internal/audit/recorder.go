package audit

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/device"
)

// defaultWriteTimeout bounds one insert.
const defaultWriteTimeout = 5 * time.Second

// Logger is the logging interface used by Recorder.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

// Recorder is a device.EventSink that writes every event to a Repository.
// Inserts are synchronous, so wrap it in a device.AsyncSink.
type Recorder struct {
	repo    Repository
	log     Logger
	timeout time.Duration
}

// NewRecorder creates a sink writing to repo. Failed writes are logged and
// otherwise ignored; history is best effort.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, log: logger, timeout: defaultWriteTimeout}
}

// HandleEvent implements device.EventSink.
func (r *Recorder) HandleEvent(ev device.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	entry := EntryFromEvent(ev)
	if err := r.repo.Create(ctx, &entry); err != nil && r.log != nil {
		r.log.Warn("recording connection event failed",
			"device", ev.Device, "type", ev.Type, "error", err)
	}
}
