// Package mqtt exposes the bridge to Home Assistant as an MQTT device:
// a control panel that can post a message to any chat group and a pair
// of sensors mirroring the most recent inbound chat message.
//
// The [Panel] uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A retained will message
// marks the status topic offline on unexpected disconnects. On every
// (re-)connect the panel subscribes to its three control topics, then
// publishes a retained "online" status, then the five retained
// discovery config payloads. Subscribing first means no command is
// missed once the device is announced.
//
// Broker callbacks never touch panel state directly. They enqueue
// events on a bounded channel drained by a single goroutine, so the
// connect sequence and control messages are handled one at a time.
//
// A nil *Panel is valid and does nothing; it stands for "MQTT not
// configured".
package mqtt
