package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-link/internal/device"
)

// rpcCounter names one device.Stats field.
type rpcCounter struct {
	desc  *prometheus.Desc
	value func(device.Stats) uint64
}

// rpcCollector reports request counters summed over closed and open
// devices. A device that has been removed from the registry but whose close
// event is still in flight is briefly missing from both, so a scrape can
// dip; Prometheus treats that as a counter reset.
type rpcCollector struct {
	src      Source
	closed   func() device.Stats
	counters []rpcCounter
}

func newRPCCollector(src Source, closed func() device.Stats) *rpcCollector {
	counter := func(name, help string, value func(device.Stats) uint64) rpcCounter {
		return rpcCounter{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "rpc", name), help, nil, nil),
			value: value,
		}
	}
	return &rpcCollector{
		src:    src,
		closed: closed,
		counters: []rpcCounter{
			counter("requests_sent_total", "Requests sent to peers",
				func(s device.Stats) uint64 { return s.RequestsSent }),
			counter("responses_received_total", "Successful responses received",
				func(s device.Stats) uint64 { return s.ResponsesReceived }),
			counter("errors_received_total", "Error responses received",
				func(s device.Stats) uint64 { return s.ErrorsReceived }),
			counter("timeouts_total", "Requests that timed out",
				func(s device.Stats) uint64 { return s.Timeouts }),
			counter("requests_received_total", "Requests received from peers",
				func(s device.Stats) uint64 { return s.RequestsReceived }),
			counter("notifications_received_total", "Notifications received from peers",
				func(s device.Stats) uint64 { return s.NotificationsReceived }),
			counter("protocol_errors_total", "Malformed or unexpected messages",
				func(s device.Stats) uint64 { return s.ProtocolErrors }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *rpcCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, rc := range c.counters {
		ch <- rc.desc
	}
}

// Collect implements prometheus.Collector.
func (c *rpcCollector) Collect(ch chan<- prometheus.Metric) {
	total := c.closed()
	for _, snap := range c.src.Snapshots() {
		if !snap.Closed {
			addStats(&total, snap.Stats)
		}
	}
	for _, rc := range c.counters {
		ch <- prometheus.MustNewConstMetric(rc.desc, prometheus.CounterValue, float64(rc.value(total)))
	}
}
