// Package mqttbridge publishes Home Assistant MQTT discovery messages
// and periodic state updates for the panel's areas, zones, outputs,
// and thermostats, and accepts inbound set-status commands on
// subscribed topics so area chime and outputs can be toggled from any
// MQTT-aware automation system. Arming and disarming areas is not
// exposed over MQTT.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery config payloads for each known entity
// and a birth message ("online") to the availability topic. A will
// message ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqttbridge
