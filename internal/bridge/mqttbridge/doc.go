// Package mqttbridge is the reference implementation of the
// bridge.Bridge contract: it publishes observed mesh text and node
// telemetry to an MQTT broker, and relays messages published to one
// inbound topic back onto the mesh.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Reconnection is
// entirely the bridge's own concern — per spec the core never retries
// a bridge's external transport.
package mqttbridge
