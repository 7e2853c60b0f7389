package eventloop

import (
	"context"
	"errors"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/hollowoak/meshbot/internal/bridge"
	"github.com/hollowoak/meshbot/internal/correlator"
	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/queue"
	"github.com/hollowoak/meshbot/internal/registry"
)

// broadcastAddr is Meshtastic's wire value for "no specific destination".
const broadcastAddr uint32 = 0xFFFFFFFF

// handleNodeInfoFrame records a NodeInfo frame emitted by the radio at
// connect time (the device's own node DB replay, not a live mesh
// packet) and raises discovery/return events the same way a live
// NODEINFO_APP packet would.
func (l *Loop) handleNodeInfoFrame(ni *meshtastic.NodeInfo) {
	var lat, lon *float64
	if pos := ni.GetPosition(); pos != nil && pos.GetLatitudeI() != 0 {
		la := float64(pos.GetLatitudeI()) / 1e7
		lo := float64(pos.GetLongitudeI()) / 1e7
		lat, lon = &la, &lo
	}
	l.observeNode(ni.GetNum(), ni.GetUser().GetShortName(), ni.GetUser().GetLongName(), mesh.TransportRF, lat, lon)
}

// handleMeshPacket is the spec §4.2 port-dispatch table: classify by
// Data.Portnum, persist the packet, and fan out to the component that
// owns that port's semantics.
func (l *Loop) handleMeshPacket(pkt *meshtastic.MeshPacket) {
	decoded := pkt.GetDecoded()
	if decoded == nil {
		// Encrypted payload we hold no channel key for; still worth a
		// packet row for throughput/signal-quality stats (spec §4.1).
		l.logPacket(pkt, mesh.PacketOther, nil)
		return
	}

	viaMQTT := pkt.GetViaMqtt()
	transport := mesh.TransportRF
	if viaMQTT {
		transport = mesh.TransportMQTT
	}

	switch decoded.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		text := string(decoded.GetPayload())
		id := l.logPacket(pkt, mesh.PacketText, &text)
		l.observeNode(pkt.GetFrom(), "", "", transport, nil, nil)
		l.handleText(pkt, text, id)

	case meshtastic.PortNum_NODEINFO_APP:
		var user meshtastic.User
		if err := proto.Unmarshal(decoded.GetPayload(), &user); err != nil {
			l.logger.Debug("nodeinfo decode failed", "error", err)
			l.logPacket(pkt, mesh.PacketNodeInfo, nil)
			return
		}
		l.logPacket(pkt, mesh.PacketNodeInfo, nil)
		l.observeNode(pkt.GetFrom(), user.GetShortName(), user.GetLongName(), transport, nil, nil)

	case meshtastic.PortNum_POSITION_APP:
		var pos meshtastic.Position
		var lat, lon *float64
		if err := proto.Unmarshal(decoded.GetPayload(), &pos); err == nil && pos.GetLatitudeI() != 0 {
			la := float64(pos.GetLatitudeI()) / 1e7
			lo := float64(pos.GetLongitudeI()) / 1e7
			lat, lon = &la, &lo
		}
		l.logPacket(pkt, mesh.PacketPosition, nil)
		l.observeNode(pkt.GetFrom(), "", "", transport, lat, lon)

	case meshtastic.PortNum_TELEMETRY_APP:
		l.logPacket(pkt, mesh.PacketTelemetry, nil)
		l.observeNode(pkt.GetFrom(), "", "", transport, nil, nil)

	case meshtastic.PortNum_NEIGHBORINFO_APP:
		l.logPacket(pkt, mesh.PacketNeighborInfo, nil)

	case meshtastic.PortNum_TRACEROUTE_APP:
		id := l.logPacket(pkt, mesh.PacketTraceroute, nil)
		l.ingestRoute(correlator.PortTraceroute, pkt, decoded, id)

	case meshtastic.PortNum_ROUTING_APP:
		id := l.logPacket(pkt, mesh.PacketRouting, nil)
		l.ingestRoute(correlator.PortRouting, pkt, decoded, id)

	default:
		l.logPacket(pkt, mesh.PacketOther, nil)
	}
}

// logPacket persists a packet row from a decoded MeshPacket, filling
// in RF metadata common to every port. Returns the assigned id, or 0
// if persistence failed (logged at Warn here).
func (l *Loop) logPacket(pkt *meshtastic.MeshPacket, typ mesh.PacketType, payload *string) int64 {
	var toNode *uint32
	if to := pkt.GetTo(); to != broadcastAddr {
		toNode = &to
	}

	var rssi *int
	if r := pkt.GetRxRssi(); r != 0 {
		v := int(r)
		rssi = &v
	}
	var snr *float64
	if s := pkt.GetRxSnr(); s != 0 {
		v := float64(s)
		snr = &v
	}
	var hopCount, hopStart *int
	if hl, hs := int(pkt.GetHopLimit()), int(pkt.GetHopStart()); hs > 0 {
		used := hs - hl
		hopCount, hopStart = &used, &hs
	}

	pktID := pkt.GetId()
	id, err := l.store.LogPacket(mesh.Packet{
		FromNode:  pkt.GetFrom(),
		ToNode:    toNode,
		Channel:   int(pkt.GetChannel()),
		Direction: mesh.DirectionIn,
		ViaMQTT:   pkt.GetViaMqtt(),
		RSSI:      rssi,
		SNR:       snr,
		HopCount:  hopCount,
		HopStart:  hopStart,
		Type:      typ,
		Payload:   payload,
		MeshPktID: &pktID,
	})
	if err != nil {
		l.logger.Warn("log packet failed", "type", typ, "error", err)
		return 0
	}

	if typ == mesh.PacketText && payload != nil && l.fabric != nil {
		var toPtr *uint32
		if toNode != nil {
			v := *toNode
			toPtr = &v
		}
		l.fabric.Broadcast(bridge.OutboundText{
			FromNode: pkt.GetFrom(),
			ToNode:   toPtr,
			Channel:  int(pkt.GetChannel()),
			Text:     *payload,
			ViaMQTT:  pkt.GetViaMqtt(),
		})
	}
	return id
}

// ingestRoute hands a traceroute/routing packet to the correlator,
// logging ErrNoMatchingSession at Debug (an unmatched reply is an
// expected occurrence, not a fault — spec §4.3) and any other error at
// Warn.
func (l *Loop) ingestRoute(port correlator.Port, pkt *meshtastic.MeshPacket, decoded *meshtastic.Data, packetID int64) {
	if l.corr == nil {
		return
	}
	var rssi *int
	if r := pkt.GetRxRssi(); r != 0 {
		v := int(r)
		rssi = &v
	}
	var snr *float64
	if s := pkt.GetRxSnr(); s != 0 {
		v := float64(s)
		snr = &v
	}
	var hopCount, hopStart *int
	if hl, hs := int(pkt.GetHopLimit()), int(pkt.GetHopStart()); hs > 0 {
		used := hs - hl
		hopCount, hopStart = &used, &hs
	}

	err := l.corr.Ingest(correlator.Observation{
		FromNode:    pkt.GetFrom(),
		ToNode:      pkt.GetTo(),
		RequestID:   pkt.GetId(),
		ResponseFor: decoded.GetRequestId(),
		ViaMQTT:     pkt.GetViaMqtt(),
		PacketID:    packetID,
		RSSI:        rssi,
		SNR:         snr,
		HopCount:    hopCount,
		HopStart:    hopStart,
		Port:        port,
		Payload:     decoded.GetPayload(),
	})
	if err == nil {
		return
	}
	if errors.Is(err, correlator.ErrNoMatchingSession) {
		l.logger.Debug("traceroute reply unmatched", "from", pkt.GetFrom(), "to", pkt.GetTo())
		return
	}
	l.logger.Warn("correlator ingest failed", "error", err)
}

// observeNode upserts a node and decides whether a discovery/return
// event should fire. During the startup grace period (spec §4.2) the
// event is buffered, not dropped — it is replayed once the window
// closes so a genuinely new sighting during startup still greets once,
// without a "welcome storm" for every node the radio already knew
// about.
func (l *Loop) observeNode(nodeID uint32, shortName, longName string, transport mesh.Transport, lat, lon *float64) {
	if nodeID == 0 || nodeID == l.MyNodeID() {
		return
	}

	existing, err := l.store.GetNode(nodeID)
	if err != nil {
		l.logger.Warn("node lookup failed", "node_id", nodeID, "error", err)
		return
	}

	if err := l.store.UpsertNode(nodeID, shortName, longName, transport, lat, lon); err != nil {
		l.logger.Warn("upsert node failed", "node_id", nodeID, "error", err)
		return
	}

	node, err := l.store.GetNode(nodeID)
	if err != nil || node == nil {
		return
	}

	var evt *registry.Event
	switch {
	case existing == nil:
		evt = &registry.Event{Kind: registry.EventNodeDiscovered, Node: *node}
	case l.hasReturned(*existing):
		evt = &registry.Event{Kind: registry.EventNodeReturned, Node: *node}
	}
	if evt == nil {
		return
	}

	l.graceMu.Lock()
	open := l.graceOpen
	if !open {
		l.graceQueue = append(l.graceQueue, *evt)
	}
	l.graceMu.Unlock()

	if open {
		l.dispatchEvent(*evt)
	}
}

// hasReturned reports whether a node last seen before was absent long
// enough to count as a return rather than routine re-observation
// (spec §8 scenario 2). welcome.absence_threshold_hours is read from
// cfg at wiring time and baked into cfg.WelcomeAbsence.
func (l *Loop) hasReturned(prev mesh.Node) bool {
	if l.cfg.WelcomeAbsence <= 0 {
		return false
	}
	return time.Since(prev.LastSeen) >= l.cfg.WelcomeAbsence
}

// openGrace flushes any events buffered during the startup window and
// marks it closed so subsequent observations dispatch immediately.
func (l *Loop) openGrace() {
	l.graceMu.Lock()
	queued := l.graceQueue
	l.graceQueue = nil
	l.graceOpen = true
	l.graceMu.Unlock()

	for _, evt := range queued {
		l.dispatchEvent(evt)
	}
}

// dispatchEvent fans a mesh event out to every module and enqueues
// whatever responses they produce.
func (l *Loop) dispatchEvent(evt registry.Event) {
	for _, resps := range l.reg.Dispatch(evt) {
		for _, r := range resps {
			l.enqueueResponse(r)
		}
	}
}

// handleText parses and dispatches one text-port packet: a
// bridge-echo is logged but never re-dispatched as a command, and a
// rate-limited sender is silently dropped (spec §4.2, §7 — rate
// limiting fails closed with no reply, to avoid amplifying a flood).
func (l *Loop) handleText(pkt *meshtastic.MeshPacket, text string, packetID int64) {
	if l.fabric != nil && l.fabric.KnownTag(text) {
		return
	}

	cmd, args, ok := l.reg.ParseCommand(text)
	if !ok {
		return
	}
	if l.limiter != nil && !l.limiter.Allow(pkt.GetFrom()) {
		l.logger.Debug("command rate limited", "node", pkt.GetFrom(), "cmd", cmd)
		return
	}

	addressedToUs := pkt.GetTo() != broadcastAddr
	module := l.reg.Resolve(cmd, addressedToUs)
	if module == nil {
		return
	}

	var rssi *int
	if r := pkt.GetRxRssi(); r != 0 {
		v := int(r)
		rssi = &v
	}
	var snr *float64
	if s := pkt.GetRxSnr(); s != 0 {
		v := float64(s)
		snr = &v
	}
	var hopCount, hopStart *int
	if hl, hs := int(pkt.GetHopLimit()), int(pkt.GetHopStart()); hs > 0 {
		used := hs - hl
		hopCount, hopStart = &used, &hs
	}

	resps, err := module.HandleCommand(cmd, args, registry.MessageContext{
		Sender:        pkt.GetFrom(),
		AddressedToUs: addressedToUs,
		Channel:       int(pkt.GetChannel()),
		RSSI:          rssi,
		SNR:           snr,
		HopCount:      hopCount,
		HopStart:      hopStart,
	})
	if err != nil {
		l.logger.Warn("module command failed", "module", module.Name(), "cmd", cmd, "error", err)
		return
	}

	for _, r := range resps {
		l.enqueueResponseFrom(r, pkt.GetFrom())
	}
}

// enqueueResponse chunks a module's response text (spec §4.2, §8
// round-trip law) and enqueues one transmission per chunk, addressed
// per the Response's Destination. sender is 0 for events and other
// non-command dispatches, where DestSender cannot resolve to anything
// and is treated as broadcast.
func (l *Loop) enqueueResponse(r registry.Response) {
	l.enqueueResponseFrom(r, 0)
}

func (l *Loop) enqueueResponseFrom(r registry.Response, sender uint32) {
	to := l.resolveDestination(r, sender)
	for _, chunk := range chunkText(r.Text, maxChunkBytes) {
		l.queue.Enqueue(queue.Transmission{
			ToNode:  to,
			Channel: r.Channel,
			Text:    chunk,
			Type:    mesh.PacketText,
		})
	}
}

func (l *Loop) resolveDestination(r registry.Response, sender uint32) *uint32 {
	switch r.Destination.Kind {
	case registry.DestNode:
		id := r.Destination.NodeID
		return &id
	case registry.DestSender:
		if sender == 0 {
			return nil
		}
		return &sender
	default: // DestBroadcast
		return nil
	}
}

// handleBridgeInbound enqueues bridge-origin text for transmission on
// the mesh. The bridge has already stamped its echo-prevention tag
// onto Text (spec §4.2).
func (l *Loop) handleBridgeInbound(in bridge.InboundText) {
	l.queue.Enqueue(queue.Transmission{
		Channel: in.Channel,
		Text:    in.Text,
		Type:    mesh.PacketText,
	})
}

// buildPayload selects the app-port and payload for a queued
// transmission. A traceroute request is sent with an empty
// RouteDiscovery — relaying nodes append themselves to Route as it
// travels, which is how the eventual reply's route vector is built
// (spec §4.3, §4.4). Everything else in the queue is a text reply.
func buildPayload(tx queue.Transmission) *meshtastic.MeshPacket_Decoded {
	if tx.Type == mesh.PacketTraceroute {
		payload, err := proto.Marshal(&meshtastic.RouteDiscovery{})
		if err != nil {
			payload = nil
		}
		return &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{
				Portnum: meshtastic.PortNum_TRACEROUTE_APP,
				Payload: payload,
			},
		}
	}
	return &meshtastic.MeshPacket_Decoded{
		Decoded: &meshtastic.Data{
			Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte(tx.Text),
		},
	}
}

// drainOne pops and transmits the head of the outgoing queue, paced by
// the send-tick (spec §4.2 — at most one transmission per tick,
// respecting the mesh's airtime duty cycle).
func (l *Loop) drainOne(ctx context.Context, conn radioConn) {
	tx, ok := l.queue.Dequeue()
	if !ok {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pkt := &meshtastic.MeshPacket{
		To:             broadcastAddr,
		Channel:        uint32(tx.Channel),
		Id:             conn.NextPacketID(),
		PayloadVariant: buildPayload(tx),
	}
	if tx.ToNode != nil {
		pkt.To = *tx.ToNode
	}
	if tx.Type == mesh.PacketTraceroute && tx.MeshPktID != 0 {
		// The probe scheduler recorded this request's session keyed by
		// the id it assigned up front (spec §4.4, §4.3); the packet
		// that leaves must carry that same id or the eventual reply's
		// response_for will never match it.
		pkt.Id = tx.MeshPktID
	}

	err := conn.Send(sendCtx, &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: pkt},
	})

	var outID *uint32
	if tx.ToNode != nil {
		outID = tx.ToNode
	}
	meshPktID := pkt.Id
	if _, logErr := l.store.LogPacket(mesh.Packet{
		FromNode:  l.MyNodeID(),
		ToNode:    outID,
		Channel:   tx.Channel,
		Direction: mesh.DirectionOut,
		Type:      tx.Type,
		Payload:   &tx.Text,
		MeshPktID: &meshPktID,
	}); logErr != nil {
		l.logger.Warn("log outbound packet failed", "error", logErr)
	}

	if err != nil {
		l.logger.Warn("transmit failed, message dropped", "error", err)
		return
	}

	if l.fabric != nil && !l.fabric.KnownTag(tx.Text) {
		l.fabric.Broadcast(bridge.OutboundText{
			FromNode: l.MyNodeID(),
			ToNode:   outID,
			Channel:  tx.Channel,
			Text:     tx.Text,
		})
	}
}
