package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-link/internal/device"
)

const namespace = "graylink"

// Source is the device registry as seen by the collectors.
type Source interface {
	Count() int
	CountRegistered() int
	Snapshots() []device.Snapshot
}

// Metrics owns the Prometheus registry and the engine collectors. It is a
// device.EventSink; every method only touches in-memory counters.
type Metrics struct {
	registry *prometheus.Registry

	connections   *prometheus.CounterVec
	registrations prometheus.Counter
	disconnects   *prometheus.CounterVec
	sessions      prometheus.Histogram

	mu        sync.Mutex
	openSince map[string]time.Time // by session
	closed    device.Stats         // totals of closed devices
}

// New builds the registry.
//
// Parameters:
//   - src: Usually the *device.Registry (may be nil; see Observe)
//   - dropped: Reports events dropped by the async sink (may be nil)
//
// Returns:
//   - *Metrics: Ready to receive events and serve scrapes
func New(src Source, dropped func() uint64) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		openSince: make(map[string]time.Time),

		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connections_total",
			Help:      "Connections attached, by direction",
		}, []string{"direction"}),

		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "registrations_total",
			Help:      "Connections that completed registration",
		}),

		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "disconnects_total",
			Help:      "Connections closed, by disconnect reason",
		}, []string{"reason"}),

		sessions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "session_duration_seconds",
			Help:      "Time from connect to close",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
	}

	m.registry.MustRegister(
		m.connections, m.registrations, m.disconnects, m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src != nil {
		m.Observe(src)
	}
	if dropped != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event_sink",
			Name:      "dropped_total",
			Help:      "Lifecycle events dropped because the sink queue was full",
		}, func() float64 { return float64(dropped()) }))
	}
	return m
}

// Observe registers the collectors that read live state from src. New calls
// it when given a source; a daemon whose registry takes m as its sink calls
// it once the registry exists. Call it at most once.
func (m *Metrics) Observe(src Source) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "connected",
			Help:      "Open connections, registered or not",
		}, func() float64 { return float64(src.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Open connections that completed registration",
		}, func() float64 { return float64(src.CountRegistered()) }),
		newRPCCollector(src, m.closedTotals),
	)
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// HandleEvent implements device.EventSink.
func (m *Metrics) HandleEvent(ev device.Event) {
	switch ev.Type {
	case device.EventConnected:
		m.connections.WithLabelValues(ev.Direction.String()).Inc()
		m.mu.Lock()
		m.openSince[ev.Session] = ev.Time
		m.mu.Unlock()

	case device.EventRegistered:
		m.registrations.Inc()

	case device.EventClosed:
		m.disconnects.WithLabelValues(ev.Reason.String()).Inc()
		m.mu.Lock()
		since, ok := m.openSince[ev.Session]
		delete(m.openSince, ev.Session)
		addStats(&m.closed, ev.Stats)
		m.mu.Unlock()
		if ok && !ev.Time.Before(since) {
			m.sessions.Observe(ev.Time.Sub(since).Seconds())
		}
	}
}

func (m *Metrics) closedTotals() device.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func addStats(dst *device.Stats, s device.Stats) {
	dst.RequestsSent += s.RequestsSent
	dst.ResponsesReceived += s.ResponsesReceived
	dst.ErrorsReceived += s.ErrorsReceived
	dst.Timeouts += s.Timeouts
	dst.RequestsReceived += s.RequestsReceived
	dst.NotificationsReceived += s.NotificationsReceived
	dst.ProtocolErrors += s.ProtocolErrors
}
