package correlator

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.NewFromDB(db, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func marshalRoute(t *testing.T, route, routeBack []uint32) []byte {
	t.Helper()
	b, err := proto.Marshal(&meshtastic.RouteDiscovery{Route: route, RouteBack: routeBack})
	if err != nil {
		t.Fatalf("marshal RouteDiscovery: %v", err)
	}
	return b
}

// TestOriginatedTracerouteCompletes exercises spec scenario 3: a
// session we originated is promoted to complete once a correlated
// reply with a decoded route vector arrives.
func TestOriginatedTracerouteCompletes(t *testing.T) {
	s := newTestStore(t)
	const myNodeID = 0xAAAA
	const target = 0xBBBB
	const requestID = 0x01020304

	traceKey := mesh.TraceKey(true, myNodeID, target, requestID)
	reqPktID := int64(1)
	if _, err := s.CreateSession(traceKey, myNodeID, ptrU32(target), false, &reqPktID); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	c := New(s, myNodeID)

	rssi, hopCount, hopStart := -80, 2, 4
	snr := 3.0
	err := c.Ingest(Observation{
		FromNode: target, ToNode: myNodeID,
		ResponseFor: requestID,
		PacketID:    2,
		RSSI:        &rssi, SNR: &snr, HopCount: &hopCount, HopStart: &hopStart,
		Port:    PortTraceroute,
		Payload: marshalRoute(t, []uint32{0x1111, 0x2222}, []uint32{0x2222, 0x1111}),
	})
	if err != nil {
		t.Fatalf("Ingest reply: %v", err)
	}

	sess, err := s.GetSessionByKey(traceKey)
	if err != nil || sess == nil {
		t.Fatalf("GetSessionByKey: %v, %v", sess, err)
	}
	if sess.Status != mesh.StatusComplete {
		t.Errorf("Status = %v, want complete", sess.Status)
	}
	if sess.RequestHops == nil || *sess.RequestHops != 2 {
		t.Errorf("RequestHops = %v, want 2 (derived from route length)", sess.RequestHops)
	}
	if sess.ResponseHops == nil || *sess.ResponseHops != 2 {
		t.Errorf("ResponseHops = %v, want 2", sess.ResponseHops)
	}
	if sess.ResponseHopStart == nil || *sess.ResponseHopStart != 4 {
		t.Errorf("ResponseHopStart = %v, want 4", sess.ResponseHopStart)
	}

	hops, err := s.HopsForSession(sess.ID)
	if err != nil {
		t.Fatalf("HopsForSession: %v", err)
	}
	if len(hops) != 4 {
		t.Fatalf("expected 4 hop rows, got %d: %+v", len(hops), hops)
	}
}

// TestThirdPartyTracerouteStaysPartial exercises spec scenario 4: a
// traceroute we only sniffed in transit is correlated via the
// reversed trace_key and never promotes past partial.
func TestThirdPartyTracerouteStaysPartial(t *testing.T) {
	s := newTestStore(t)
	const us = 0xFFFF
	const requester = 0xC
	const target = 0xD
	const requestID = 0x2a

	c := New(s, us)

	if err := c.Ingest(Observation{
		FromNode: requester, ToNode: target,
		RequestID: requestID,
		PacketID:  1,
		Port:      PortTraceroute,
		Payload:   marshalRoute(t, []uint32{0xA}, nil),
	}); err != nil {
		t.Fatalf("Ingest request: %v", err)
	}

	wantKey := mesh.TraceKey(false, requester, target, requestID)
	sess, err := s.GetSessionByKey(wantKey)
	if err != nil || sess == nil {
		t.Fatalf("GetSessionByKey(%q): %v, %v", wantKey, sess, err)
	}
	if sess.Status != mesh.StatusObserved {
		t.Fatalf("Status after request = %v, want observed", sess.Status)
	}

	// The reply's own forward route differs from the request's — if it
	// were re-inserted as a request-direction hop it would land at the
	// same index (0xE instead of 0xA) rather than merely duplicating.
	if err := c.Ingest(Observation{
		FromNode: target, ToNode: requester,
		ResponseFor: requestID,
		PacketID:    2,
		Port:        PortTraceroute,
		Payload:     marshalRoute(t, []uint32{0xE}, []uint32{0xF}),
	}); err != nil {
		t.Fatalf("Ingest reply: %v", err)
	}

	sess, err = s.GetSessionByKey(wantKey)
	if err != nil || sess == nil {
		t.Fatalf("GetSessionByKey after reply: %v, %v", sess, err)
	}
	if sess.Status != mesh.StatusPartial {
		t.Errorf("Status = %v, want partial (in: sessions never reach complete)", sess.Status)
	}
	if sess.ResponseHops != nil {
		t.Errorf("ResponseHops = %v, want nil for a passively observed session", sess.ResponseHops)
	}

	hops, err := s.HopsForSession(sess.ID)
	if err != nil {
		t.Fatalf("HopsForSession: %v", err)
	}
	var requestHops, responseHops []mesh.TracerouteSessionHop
	for _, h := range hops {
		if h.Direction == mesh.HopRequest {
			requestHops = append(requestHops, h)
		} else {
			responseHops = append(responseHops, h)
		}
	}
	if len(requestHops) != 1 || requestHops[0].NodeID != 0xA {
		t.Fatalf("request-direction hops = %+v, want exactly the request's own [0xA] (reply's forward route must not be re-inserted)", requestHops)
	}
	if len(responseHops) != 1 || responseHops[0].NodeID != 0xF {
		t.Fatalf("response-direction hops = %+v, want exactly the reply's route_back [0xF]", responseHops)
	}
}

func TestIngestReplyWithNoMatchingSessionIsReported(t *testing.T) {
	s := newTestStore(t)
	c := New(s, 0xAAAA)

	err := c.Ingest(Observation{
		FromNode: 0xBBBB, ToNode: 0xAAAA,
		ResponseFor: 0x99,
		Port:        PortTraceroute,
		Payload:     marshalRoute(t, nil, nil),
	})
	if err == nil {
		t.Fatal("expected ErrNoMatchingSession")
	}
}

func ptrU32(v uint32) *uint32 { return &v }
