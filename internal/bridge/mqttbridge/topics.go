package mqttbridge

import "fmt"

// Topic layout under the configured root (BridgeConfig.ChatID, reused
// here as the MQTT topic root since the generic bridge config has no
// MQTT-specific field):
//
//	<root>/availability        birth/will ("online"/"offline"), retained
//	<root>/text                observed mesh text, not retained
//	<root>/telemetry/<node_id> last telemetry sample per node, retained
//	<root>/in                  subscribed; mesh-bound text from the broker
type topics struct {
	root string
}

func newTopics(root string) topics {
	if root == "" {
		root = "meshbot"
	}
	return topics{root: root}
}

func (t topics) availability() string { return t.root + "/availability" }
func (t topics) text() string         { return t.root + "/text" }
func (t topics) inbound() string      { return t.root + "/in" }
func (t topics) telemetry(nodeID uint32) string {
	return fmt.Sprintf("%s/telemetry/%08x", t.root, nodeID)
}

// TelemetryPayload is the retained JSON body published to a node's
// telemetry topic.
type TelemetryPayload struct {
	NodeID    uint32  `json:"node_id"`
	Timestamp int64   `json:"ts"`
	RSSI      *int    `json:"rssi,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	Payload   string  `json:"payload,omitempty"`
}
