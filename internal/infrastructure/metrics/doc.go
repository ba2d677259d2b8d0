// Package metrics exposes graylink's Prometheus metrics.
//
// Metrics are kept on a private prometheus.Registry (not the global default)
// together with the Go runtime and process collectors. The admin API serves
// them at /api/v1/metrics.
//
// # Metrics
//
//	graylink_devices_connected                       gauge
//	graylink_devices_registered                      gauge
//	graylink_device_connections_total{direction}     counter
//	graylink_device_registrations_total              counter
//	graylink_device_disconnects_total{reason}        counter
//	graylink_device_session_duration_seconds         histogram
//	graylink_rpc_{requests_sent,responses_received,errors_received,
//	  timeouts,requests_received,notifications_received,protocol_errors}_total
//	graylink_event_sink_dropped_total                counter
//
// The rpc counters add the totals of closed devices to the live counts of
// open ones, read at scrape time.
package metrics
