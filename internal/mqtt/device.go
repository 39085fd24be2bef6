package mqtt

import "github.com/nugget/qqbot-ha/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every entity published by
// the panel references the same device block so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is the discovery payload for a read-only sensor fed from
// a JSON state topic.
type SensorConfig struct {
	Name          string     `json:"name"`
	UniqueID      string     `json:"unique_id"`
	StateTopic    string     `json:"state_topic"`
	ValueTemplate string     `json:"value_template,omitempty"`
	Icon          string     `json:"icon,omitempty"`
	Device        DeviceInfo `json:"device"`
}

// TextConfig is the discovery payload for a text input entity. HA
// publishes the entered value to CommandTopic.
type TextConfig struct {
	Name         string     `json:"name"`
	UniqueID     string     `json:"unique_id"`
	CommandTopic string     `json:"command_topic"`
	Icon         string     `json:"icon,omitempty"`
	Mode         string     `json:"mode,omitempty"`
	Device       DeviceInfo `json:"device"`
}

// ButtonConfig is the discovery payload for a button entity. HA
// publishes PayloadPress to CommandTopic when it is pressed.
type ButtonConfig struct {
	Name         string     `json:"name"`
	UniqueID     string     `json:"unique_id"`
	CommandTopic string     `json:"command_topic"`
	PayloadPress string     `json:"payload_press"`
	Icon         string     `json:"icon,omitempty"`
	Device       DeviceInfo `json:"device"`
}

// NewDeviceInfo creates the device block. deviceID is the primary HA
// device identifier (stable across renames); name appears in the UI.
func NewDeviceInfo(deviceID, name, manufacturer, model string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        model,
		SWVersion:    buildinfo.Version,
	}
}
