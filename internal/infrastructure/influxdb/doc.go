// Package influxdb writes graylink's per-device RPC telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched writes and health monitoring.
//
// # Measurements
//
//   - rpc_connection: one point per lifecycle event (connected, registered,
//     closed) tagged with node, device, event, direction and, on close,
//     reason. Fields are the device's request counters.
//   - rpc_device: written every influxdb.report_interval for each open
//     device, with its counters, outstanding requests and connection age.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sinks = append(sinks, influxdb.NewTelemetrySink(client, cfg.Node.Name))
//	go influxdb.NewReporter(client, registry, cfg.Node.Name, 30*time.Second).Run(ctx)
//
// # Error Handling
//
// Writes are non-blocking; batch failures are delivered to SetOnError.
// Connection and health check errors are returned directly.
package influxdb
