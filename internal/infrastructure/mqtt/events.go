package mqtt

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// Publisher is the part of Client the event sink needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceStatus is the payload on {prefix}/device/{id}/status.
type DeviceStatus struct {
	Device     string                `json:"device"`
	Event      device.EventType      `json:"event"`
	Session    string                `json:"session"`
	Direction  device.Direction      `json:"direction"`
	RemoteAddr string                `json:"remote_addr"`
	Encrypted  bool                  `json:"encrypted"`
	Peer       *device.PeerInfo      `json:"peer,omitempty"`
	Reason     *rpc.DisconnectReason `json:"reason,omitempty"`
	Stats      *device.Stats         `json:"stats,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Alert is the payload on {prefix}/alerts.
type Alert struct {
	Node       string               `json:"node"`
	Device     string               `json:"device"`
	Session    string               `json:"session"`
	RemoteAddr string               `json:"remote_addr"`
	Reason     rpc.DisconnectReason `json:"reason"`
	Timestamp  time.Time            `json:"timestamp"`
}

// EventPublisher is a device.EventSink that mirrors lifecycle events to
// MQTT. Registered devices get a retained status so a subscriber joining
// later sees the current set; temporary pre-registration ids are published
// unretained. Publishing blocks on the broker, so wrap it in a
// device.AsyncSink.
type EventPublisher struct {
	pub    Publisher
	topics Topics
	qos    byte
	node   string
	log    Logger
}

// NewEventPublisher creates the sink.
//
// Parameters:
//   - pub: Usually a *Client
//   - topics: Topic builder (Client.Topics())
//   - qos: QoS for every message
//   - node: This node's name, carried in alerts
//   - logger: Receives publish failures (may be nil)
func NewEventPublisher(pub Publisher, topics Topics, qos byte, node string, logger Logger) *EventPublisher {
	return &EventPublisher{pub: pub, topics: topics, qos: qos, node: node, log: logger}
}

// HandleEvent implements device.EventSink.
func (p *EventPublisher) HandleEvent(ev device.Event) {
	status := DeviceStatus{
		Device:     ev.Device,
		Event:      ev.Type,
		Session:    ev.Session,
		Direction:  ev.Direction,
		RemoteAddr: ev.RemoteAddr,
		Encrypted:  ev.Encrypted,
		Timestamp:  ev.Time.UTC(),
	}
	retained := false
	switch ev.Type {
	case device.EventRegistered:
		peer := ev.Peer
		status.Peer = &peer
		retained = true
	case device.EventClosed:
		reason := ev.Reason
		stats := ev.Stats
		status.Reason = &reason
		status.Stats = &stats
		// Only a registered device has a retained status to overwrite.
		retained = ev.Registered
	}
	p.publish(p.topics.DeviceStatus(ev.Device), status, retained)

	if ev.Type == device.EventClosed && IsAlertReason(ev.Reason) {
		p.publish(p.topics.Alerts(), Alert{
			Node:       p.node,
			Device:     ev.Device,
			Session:    ev.Session,
			RemoteAddr: ev.RemoteAddr,
			Reason:     ev.Reason,
			Timestamp:  ev.Time.UTC(),
		}, false)
	}
}

func (p *EventPublisher) publish(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = p.pub.Publish(topic, payload, p.qos, retained)
	}
	if err != nil && p.log != nil {
		p.log.Warn("mqtt event publish failed", "topic", topic, "error", err)
	}
}

// IsAlertReason reports whether a disconnect reason indicates a fault
// rather than an orderly or peer-initiated close.
func IsAlertReason(r rpc.DisconnectReason) bool {
	switch r {
	case rpc.ReasonFatalError, rpc.ReasonRegistrationTimeout,
		rpc.ReasonBufferOverflow, rpc.ReasonEncryptionRequired:
		return true
	default:
		return false
	}
}
