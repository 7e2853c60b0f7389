// Package mesh holds the domain types shared across the store, the
// radio adapter, the traceroute correlator, and the module registry.
// None of these types know how to persist or transmit themselves —
// that is the job of internal/store and internal/radio respectively.
package mesh

import "time"

// Transport identifies how a packet or node observation reached us.
type Transport string

const (
	// TransportRF means the frame was received directly over radio.
	TransportRF Transport = "rf"
	// TransportMQTT means the frame arrived via an MQTT gateway
	// re-injection rather than our own radio.
	TransportMQTT Transport = "mqtt"
)

// Direction classifies a packet relative to this process.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
	DirectionBot Direction = "bot"
)

// PacketType tags a packet by the mesh app-port it was classified
// from.
type PacketType string

const (
	PacketText         PacketType = "text"
	PacketPosition     PacketType = "position"
	PacketTelemetry    PacketType = "telemetry"
	PacketNodeInfo     PacketType = "nodeinfo"
	PacketTraceroute   PacketType = "traceroute"
	PacketNeighborInfo PacketType = "neighborinfo"
	PacketRouting      PacketType = "routing"
	PacketOther        PacketType = "other"
)

// SessionStatus is the correlation state of a traceroute session. It
// only ever advances observed → partial → complete.
type SessionStatus string

const (
	StatusObserved SessionStatus = "observed"
	StatusPartial  SessionStatus = "partial"
	StatusComplete SessionStatus = "complete"
)

// rank returns a monotonic ordinal for status comparisons, so callers
// can guard promotions with rank(new) > rank(old).
func (s SessionStatus) rank() int {
	switch s {
	case StatusObserved:
		return 0
	case StatusPartial:
		return 1
	case StatusComplete:
		return 2
	default:
		return -1
	}
}

// Promotes reports whether moving from s to next is a legal, forward
// (or no-op) status transition.
func (s SessionStatus) Promotes(next SessionStatus) bool {
	return next.rank() >= s.rank()
}

// HopDirection identifies which leg of a traceroute a hop row belongs
// to.
type HopDirection string

const (
	HopRequest  HopDirection = "request"
	HopResponse HopDirection = "response"
)

// SourceKind tags where a hop's node id came from in the decoded
// payload.
type SourceKind string

const (
	SourceRoute            SourceKind = "route"
	SourceRouteBack        SourceKind = "route_back"
	SourceRoutingRoute     SourceKind = "routing_route"
	SourceRoutingRouteBack SourceKind = "routing_route_back"
)

// Node is a mesh participant, upserted on every observation.
type Node struct {
	NodeID      uint32
	ShortName   string
	LongName    string
	FirstSeen   time.Time
	LastSeen    time.Time
	LastWelcome *time.Time
	Latitude    *float64
	Longitude   *float64
	ViaMQTT     bool
}

// Packet is one observed frame. Append-only.
type Packet struct {
	ID         int64
	Timestamp  time.Time
	FromNode   uint32
	ToNode     *uint32 // nil = broadcast
	Channel    int
	Direction  Direction
	ViaMQTT    bool
	RSSI       *int
	SNR        *float64
	HopCount   *int
	HopStart   *int
	Type       PacketType
	Payload    *string
	MeshPktID  *uint32
}

// MailItem is a store-and-forward message between nodes.
type MailItem struct {
	ID        int64
	Timestamp time.Time
	FromNode  uint32
	ToNode    uint32
	Body      string
	Read      bool
}

// TracerouteSession is a correlated request/response traceroute flow.
type TracerouteSession struct {
	ID               int64
	TraceKey         string
	SourceNode       uint32
	DestNode         *uint32 // nil = broadcast
	FirstSeen        time.Time
	LastSeen         time.Time
	ViaMQTT          bool
	RequestHops      *int
	RequestHopStart  *int
	ResponseHops     *int
	ResponseHopStart *int
	Status           SessionStatus
	SampleCount      int
	RequestPacketID  *int64
	ResponsePacketID *int64
}

// TracerouteSessionHop is one step in a correlated path.
type TracerouteSessionHop struct {
	ID         int64
	SessionID  int64
	Direction  HopDirection
	HopIndex   int
	NodeID     uint32
	ObservedAt time.Time
	PacketID   *int64
	SourceKind SourceKind
}
