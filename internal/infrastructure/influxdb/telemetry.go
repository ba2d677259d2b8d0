package influxdb

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/device"
)

// Measurements written by graylink.
const (
	// MeasurementConnection gets one point per lifecycle event.
	MeasurementConnection = "rpc_connection"

	// MeasurementDevice gets one point per open device per report tick.
	MeasurementDevice = "rpc_device"
)

// PointWriter is the part of Client the telemetry writers need.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// SnapshotSource lists the devices to report on; *device.Registry satisfies it.
type SnapshotSource interface {
	Snapshots() []device.Snapshot
}

// statsFields renders request counters as integer fields.
func statsFields(s device.Stats) map[string]any {
	return map[string]any{
		"requests_sent":          int64(s.RequestsSent),          //nolint:gosec // Counters stay far below 2^63
		"responses_received":     int64(s.ResponsesReceived),     //nolint:gosec // As above
		"errors_received":        int64(s.ErrorsReceived),        //nolint:gosec // As above
		"timeouts":               int64(s.Timeouts),              //nolint:gosec // As above
		"requests_received":      int64(s.RequestsReceived),      //nolint:gosec // As above
		"notifications_received": int64(s.NotificationsReceived), //nolint:gosec // As above
		"protocol_errors":        int64(s.ProtocolErrors),        //nolint:gosec // As above
	}
}

// TelemetrySink is a device.EventSink writing an rpc_connection point per
// lifecycle event. Writes are buffered by the client, so it is cheap enough
// to call directly from a Device.
type TelemetrySink struct {
	w    PointWriter
	node string
}

// NewTelemetrySink creates the sink. node is added as a tag to every point.
func NewTelemetrySink(w PointWriter, node string) *TelemetrySink {
	return &TelemetrySink{w: w, node: node}
}

// HandleEvent implements device.EventSink.
func (s *TelemetrySink) HandleEvent(ev device.Event) {
	tags := map[string]string{
		"node":      s.node,
		"device":    ev.Device,
		"event":     string(ev.Type),
		"direction": ev.Direction.String(),
	}
	if ev.Peer.Name != "" {
		tags["peer"] = ev.Peer.Name
	}
	if ev.Type == device.EventClosed {
		tags["reason"] = ev.Reason.String()
	}

	fields := statsFields(ev.Stats)
	fields["encrypted"] = ev.Encrypted
	fields["registered"] = ev.Registered

	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s.w.WritePoint(MeasurementConnection, tags, fields, ts)
}

// Reporter periodically writes the counters of every open device.
type Reporter struct {
	w        PointWriter
	src      SnapshotSource
	node     string
	interval time.Duration
	now      func() time.Time
}

// NewReporter creates a reporter writing every interval.
func NewReporter(w PointWriter, src SnapshotSource, node string, interval time.Duration) *Reporter {
	return &Reporter{w: w, src: src, node: node, interval: interval, now: time.Now}
}

// Run reports until ctx is cancelled. A non-positive interval returns
// immediately.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report writes one rpc_device point per open device and returns how many
// were written.
func (r *Reporter) Report() int {
	now := r.now()
	n := 0
	for _, snap := range r.src.Snapshots() {
		if snap.Closed {
			continue
		}
		tags := map[string]string{
			"node":      r.node,
			"device":    snap.ID,
			"direction": snap.Direction.String(),
		}
		fields := statsFields(snap.Stats)
		fields["outstanding"] = int64(snap.Outstanding)
		fields["registered"] = snap.Registered
		fields["encrypted"] = snap.Transport.Encrypted
		fields["connected_seconds"] = now.Sub(snap.ConnectedAt).Seconds()
		r.w.WritePoint(MeasurementDevice, tags, fields, now)
		n++
	}
	return n
}
