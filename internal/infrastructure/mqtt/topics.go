package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "graylink"

// Topics builds graylink topic names under a prefix:
//
//	{prefix}/system/status          node online/offline (retained, also the LWT)
//	{prefix}/device/{id}/status     device lifecycle
//	{prefix}/alerts                 abnormal disconnects
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// SystemStatus returns the node status topic.
//
// Example: graylink/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// DeviceStatus returns the lifecycle topic for a device id. MQTT wildcard
// characters in the id are replaced so one device cannot address another.
//
// Example: graylink/device/gui1/status
func (t Topics) DeviceStatus(deviceID string) string {
	return t.prefix() + "/device/" + escapeLevel(deviceID) + "/status"
}

// Alerts returns the alert topic.
//
// Example: graylink/alerts
func (t Topics) Alerts() string {
	return t.prefix() + "/alerts"
}

// AllDeviceStatus matches every device status topic.
//
// Pattern: graylink/device/+/status
func (t Topics) AllDeviceStatus() string {
	return t.prefix() + "/device/+/status"
}

var levelEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func escapeLevel(s string) string {
	if s == "" {
		return "_"
	}
	return levelEscaper.Replace(s)
}
