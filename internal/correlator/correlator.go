// Package correlator implements the traceroute session state machine
// (spec §4.3): computing the canonical trace_key for a traceroute or
// routing observation, merging it into the Store, and extracting hop
// paths from the two payload shapes that carry them.
//
// It knows nothing about radio framing or port classification — the
// event loop decides which packets are traceroute/routing traffic and
// hands each one in as an Observation.
package correlator

import (
	"errors"
	"fmt"
	"strings"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/store"
)

// Port distinguishes the two app-ports the correlator is fed from.
// The payload shape differs per port: traceroute carries a bare
// RouteDiscovery; routing carries a Routing wrapper whose
// route_request/route_reply oneof variant holds the RouteDiscovery.
// Decoding a routing payload as a bare RouteDiscovery silently yields
// empty vectors — this is the pitfall the two decode paths below
// exist to avoid.
type Port int

const (
	PortTraceroute Port = iota
	PortRouting
)

// Observation is one traceroute or routing packet as classified by
// the event loop's port dispatch table.
type Observation struct {
	FromNode uint32
	ToNode   uint32

	// RequestID is this packet's own mesh packet id.
	RequestID uint32
	// ResponseFor is the original request's packet id, echoed by a
	// reply (Data.request_id). Zero means this observation is itself
	// a request, not a reply.
	ResponseFor uint32

	ViaMQTT  bool
	PacketID int64

	RSSI     *int
	SNR      *float64
	HopCount *int
	HopStart *int

	Port    Port
	Payload []byte
}

// ErrNoMatchingSession is returned when a reply cannot be correlated
// because no pre-existing request session exists under its computed
// key. Per spec no session is ever forged for a reply — the caller
// should log and drop, not treat this as fatal.
var ErrNoMatchingSession = errors.New("correlator: no session for reply's trace_key")

// Correlator merges traceroute/routing observations into the Store.
type Correlator struct {
	store    *store.Store
	myNodeID uint32
}

// New builds a Correlator. myNodeID is re-supplied by the caller on
// every reconnect, since it is re-learned from the radio's MyInfo
// frame (spec §4.2).
func New(s *store.Store, myNodeID uint32) *Correlator {
	return &Correlator{store: s, myNodeID: myNodeID}
}

// SetMyNodeID updates the node id used to classify observations as
// originated-by-us, called after each reconnect's MyInfo frame.
func (c *Correlator) SetMyNodeID(id uint32) { c.myNodeID = id }

// Ingest merges one observation into the Store.
func (c *Correlator) Ingest(o Observation) error {
	route, sourceFwd, sourceBack, err := decodeRoute(o.Port, o.Payload)
	if err != nil {
		return fmt.Errorf("decode route: %w", err)
	}

	if o.ResponseFor == 0 {
		return c.ingestRequest(o, route, sourceFwd, sourceBack)
	}
	return c.ingestReply(o, route, sourceFwd, sourceBack)
}

func (c *Correlator) ingestRequest(o Observation, route *meshtastic.RouteDiscovery, sourceFwd, sourceBack mesh.SourceKind) error {
	originated := o.FromNode == c.myNodeID
	traceKey := mesh.TraceKey(originated, o.FromNode, o.ToNode, o.RequestID)

	sess, err := c.store.GetSessionByKey(traceKey)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		dest := o.ToNode
		pktID := o.PacketID
		sess, err = c.store.CreateSession(traceKey, o.FromNode, &dest, o.ViaMQTT, &pktID)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	var upd store.SessionUpdate
	if !originated {
		// Passively observed: this packet flew through our node, so
		// its RF metadata is ours to keep (spec §4.3 "RF hop metadata").
		upd.RequestHops = o.HopCount
		upd.RequestHopStart = o.HopStart
	}
	if err := c.store.TouchSession(sess.ID, upd); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return c.insertRoute(sess.ID, route, sourceFwd, sourceBack, o.PacketID, false)
}

func (c *Correlator) ingestReply(o Observation, route *meshtastic.RouteDiscovery, sourceFwd, sourceBack mesh.SourceKind) error {
	addressedToUs := o.ToNode == c.myNodeID

	var traceKey string
	if addressedToUs {
		traceKey = mesh.TraceKey(true, c.myNodeID, o.FromNode, o.ResponseFor)
	} else {
		// Third-party reply correlation: recover the request's key
		// from the reply's own from/to, reversed (spec §4.3).
		traceKey = mesh.ReverseTraceKey(o.FromNode, o.ToNode, o.ResponseFor)
	}

	sess, err := c.store.GetSessionByKey(traceKey)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoMatchingSession, traceKey)
	}

	pktID := o.PacketID
	upd := store.SessionUpdate{
		Status:           mesh.StatusPartial,
		ResponsePacketID: &pktID,
	}

	if strings.HasPrefix(sess.TraceKey, "req:") && route != nil {
		upd.Status = mesh.StatusComplete
	}
	if addressedToUs {
		// The reply reached us directly, so its RF metadata is
		// observable; the request leg's RF metadata never is (we sent
		// it), so request_hops is instead derived from the decoded
		// forward route's length (spec §4.3 "Derived request hop count").
		upd.ResponseHops = o.HopCount
		upd.ResponseHopStart = o.HopStart
		if route != nil {
			n := len(route.GetRoute())
			upd.RequestHops = &n
		}
	}
	// For sniffed (in:) sessions the reply's final RF metadata is not
	// observable from our vantage (we only relayed it); response-side
	// RF hop fields are left null.

	if err := c.store.TouchSession(sess.ID, upd); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	// Third-party reply correlation must not re-insert request-side
	// hops: we already recorded them (if at all) off the sniffed
	// request, and the reply's own forward route can differ from it —
	// inserting it here would write spurious duplicate rows at the
	// same hop indices (spec §4.3).
	return c.insertRoute(sess.ID, route, sourceFwd, sourceBack, o.PacketID, !addressedToUs)
}

func (c *Correlator) insertRoute(sessionID int64, route *meshtastic.RouteDiscovery, sourceFwd, sourceBack mesh.SourceKind, packetID int64, skipForward bool) error {
	if route == nil {
		return nil
	}
	if !skipForward {
		for i, node := range route.GetRoute() {
			if err := c.store.InsertHop(mesh.TracerouteSessionHop{
				SessionID: sessionID, Direction: mesh.HopRequest, HopIndex: i,
				NodeID: node, PacketID: &packetID, SourceKind: sourceFwd,
			}); err != nil {
				return fmt.Errorf("insert forward hop: %w", err)
			}
		}
	}
	for i, node := range route.GetRouteBack() {
		if err := c.store.InsertHop(mesh.TracerouteSessionHop{
			SessionID: sessionID, Direction: mesh.HopResponse, HopIndex: i,
			NodeID: node, PacketID: &packetID, SourceKind: sourceBack,
		}); err != nil {
			return fmt.Errorf("insert backward hop: %w", err)
		}
	}
	return nil
}

// decodeRoute decodes the route vectors out of a traceroute or
// routing payload. For PortRouting, a Routing variant other than
// route_request/route_reply (e.g. an error_reason) yields a nil route
// with no error — it simply carries no path information.
func decodeRoute(port Port, payload []byte) (*meshtastic.RouteDiscovery, mesh.SourceKind, mesh.SourceKind, error) {
	switch port {
	case PortTraceroute:
		var rd meshtastic.RouteDiscovery
		if err := proto.Unmarshal(payload, &rd); err != nil {
			return nil, "", "", fmt.Errorf("unmarshal RouteDiscovery: %w", err)
		}
		return &rd, mesh.SourceRoute, mesh.SourceRouteBack, nil
	case PortRouting:
		var routing meshtastic.Routing
		if err := proto.Unmarshal(payload, &routing); err != nil {
			return nil, "", "", fmt.Errorf("unmarshal Routing: %w", err)
		}
		if rr := routing.GetRouteReply(); rr != nil {
			return rr, mesh.SourceRoutingRoute, mesh.SourceRoutingRouteBack, nil
		}
		if rq := routing.GetRouteRequest(); rq != nil {
			return rq, mesh.SourceRoutingRoute, mesh.SourceRoutingRouteBack, nil
		}
		return nil, "", "", nil
	default:
		return nil, "", "", fmt.Errorf("unknown port %d", port)
	}
}
