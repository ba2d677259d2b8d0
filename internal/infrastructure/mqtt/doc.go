// Package mqtt publishes graylink's node and device state to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - An event sink mirroring device lifecycle events
//
// # Topics
//
//	graylink/system/status          {"status":"online"|"offline",...} retained
//	graylink/device/{id}/status     DeviceStatus, retained once registered
//	graylink/alerts                 Alert for faulty disconnects
//
// The prefix comes from mqtt.topic_prefix.
//
// # Security Considerations
//
//   - Use cfg.Broker.TLS=true outside local development
//   - Device ids are escaped before use as a topic level
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Node.Name, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sink := mqtt.NewEventPublisher(client, client.Topics(), client.QoS(), cfg.Node.Name, logger)
//	async := device.NewAsyncSink(sink, 256, logger)
package mqtt
