package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hollowoak/meshbot/internal/bridge"
	"github.com/hollowoak/meshbot/internal/config"
	"github.com/hollowoak/meshbot/internal/events"
)

// Name is this bridge's identifier, used for logging; Tag is its
// echo-prevention tag ("[MQTT:…]").
const (
	Name = "mqttbridge"
	Tag  = "MQTT"
)

// Bridge connects to an MQTT broker, publishes observed mesh text and
// node telemetry, and relays broker-origin text onto the mesh. It
// implements bridge.Bridge. Adapted from the teacher's
// internal/mqtt.Publisher: connection management and the
// reconnect-safe (re-)subscribe-on-connect pattern are unchanged; the
// Home Assistant discovery machinery is replaced with the topic
// layout in topics.go, since this bridge has no discovery protocol
// counterpart to publish into.
type Bridge struct {
	cfg        config.BridgeConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	topics     topics
	counters   *DailyCounters
	rate       *messageRateLimiter
}

// New builds a Bridge. bus is the store's refresh/diagnostic event
// bus; the bridge subscribes to it for telemetry packet events so it
// can mirror them to MQTT independently of the text-only Fabric
// contract.
func New(cfg config.BridgeConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
		topics:     newTopics(cfg.ChatID),
		counters:   NewDailyCounters(nil),
	}
}

func (b *Bridge) Name() string { return Name }
func (b *Bridge) Tag() string  { return Tag }

var _ bridge.Bridge = (*Bridge)(nil)

// Start connects to the broker and runs until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context, outbound <-chan bridge.OutboundText, inbound chan<- bridge.InboundText) error {
	brokerURL, err := url.Parse(b.cfg.Credentials)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}
	username := ""
	password := ""
	if brokerURL.User != nil {
		username = brokerURL.User.Username()
		password, _ = brokerURL.User.Password()
	}

	relaysToMesh := b.cfg.Direction == config.DirectionBoth || b.cfg.Direction == config.DirectionToMesh
	relaysToExternal := b.cfg.Direction == config.DirectionBoth || b.cfg.Direction == config.DirectionToExternal

	if relaysToMesh {
		b.rate = newMessageRateLimiter(20, time.Second, b.logger)
		go b.rate.start(ctx)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: username,
		ConnectPassword: []byte(password),
		WillMessage: &paho.WillMessage{
			Topic:   b.topics.availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqttbridge connected", "broker", brokerURL.Redacted())
			pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.publishAvailability(pubCtx, cm, "online")
			if relaysToMesh {
				b.subscribeInbound(pubCtx, cm)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqttbridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "meshbot-" + shortID(b.instanceID),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttbridge connect: %w", err)
	}

	if relaysToMesh {
		cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
			b.handleInbound(pr, inbound)
			return true, nil
		})
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqttbridge initial connection timed out, retrying in background", "error", err)
	}

	var busCh <-chan events.Event
	if relaysToExternal && b.bus != nil {
		ch := b.bus.Subscribe(32)
		busCh = ch
		defer b.bus.Unsubscribe(ch)
	}

	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		b.publishAvailability(stopCtx, cm, "offline")
		cm.Disconnect(stopCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-outbound:
			if !ok {
				return nil
			}
			if relaysToExternal {
				b.publishText(ctx, cm, t)
			}
		case evt, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			if evt.Kind == events.KindPacketLogged && evt.Data["packet_type"] == "telemetry" {
				b.publishTelemetry(ctx, cm, evt)
			}
		}
	}
}

func (b *Bridge) publishText(ctx context.Context, cm *autopaho.ConnectionManager, t bridge.OutboundText) {
	payload, err := json.Marshal(t)
	if err != nil {
		b.logger.Error("mqttbridge marshal text", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.text(),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Warn("mqttbridge publish text failed", "error", err)
		return
	}
	b.counters.RecordToMQTT()
}

func (b *Bridge) publishTelemetry(ctx context.Context, cm *autopaho.ConnectionManager, evt events.Event) {
	nodeID, ok := evt.Data["from_node"].(uint32)
	if !ok {
		return
	}
	payload, err := json.Marshal(TelemetryPayload{
		NodeID:    nodeID,
		Timestamp: evt.Timestamp.Unix(),
	})
	if err != nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.telemetry(nodeID),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqttbridge publish telemetry failed", "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.topics.availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqttbridge availability publish failed", "status", status, "error", err)
	}
}

func (b *Bridge) subscribeInbound(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := b.topics.inbound()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		b.logger.Error("mqttbridge subscribe failed", "topic", topic, "error", err)
	}
}

func (b *Bridge) handleInbound(pr autopaho.PublishReceived, inbound chan<- bridge.InboundText) {
	if pr.Packet.Topic != b.topics.inbound() {
		return
	}
	if b.rate != nil && !b.rate.allow() {
		return
	}
	text := strings.TrimSpace(string(pr.Packet.Payload))
	if text == "" {
		return
	}
	b.counters.RecordFromMQTT()
	select {
	case inbound <- bridge.InboundText{
		Bridge:  Name,
		Channel: b.cfg.MeshChannel,
		Text:    fmt.Sprintf("[%s:%s] %s", Tag, shortID(b.instanceID), formatInbound(b.cfg.Format, text)),
	}:
	default:
		b.logger.Warn("mqttbridge inbound channel full, dropping message")
	}
}

// formatInbound applies the configured format template. "{text}" is
// the only placeholder substituted; an empty template passes text
// through unchanged.
func formatInbound(format, text string) string {
	if format == "" {
		return text
	}
	return strings.ReplaceAll(format, "{text}", text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
