package eventloop

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/queue"
	"github.com/hollowoak/meshbot/internal/registry"
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

func newTestLoop(t *testing.T) (*Loop, *registry.Registry) {
	t.Helper()
	reg := registry.New("!")
	l := New(Config{}, Deps{
		Store:    newTestStore(t),
		Queue:    queue.New(),
		Registry: reg,
	})
	return l, reg
}

func TestChunkTextPassesShortTextThrough(t *testing.T) {
	got := chunkText("hello", 220)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if got := chunkText("", 220); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestChunkTextSplitsOnNewlineBeforeHardCut(t *testing.T) {
	text := "short line\n" + string(make([]byte, 250))
	got := chunkText(text, 220)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	if got[0] != "short line" {
		t.Errorf("first chunk = %q, want %q", got[0], "short line")
	}
}

func TestChunkTextHardCutsOverlongLine(t *testing.T) {
	line := make([]byte, 500)
	for i := range line {
		line[i] = 'a'
	}
	got := chunkText(string(line), 220)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks (220+220+60), got %d", len(got))
	}
	if len(got[0]) != 220 || len(got[1]) != 220 || len(got[2]) != 60 {
		t.Fatalf("unexpected chunk lengths: %d %d %d", len(got[0]), len(got[1]), len(got[2]))
	}
	joined := got[0] + got[1] + got[2]
	if joined != string(line) {
		t.Error("chunks do not reconstruct the original line")
	}
}

func TestResolveDestinationBroadcast(t *testing.T) {
	l, _ := newTestLoop(t)
	if got := l.resolveDestination(registry.Response{Destination: registry.ToBroadcast()}, 0x42); got != nil {
		t.Errorf("got %v, want nil (broadcast)", got)
	}
}

func TestResolveDestinationSender(t *testing.T) {
	l, _ := newTestLoop(t)
	got := l.resolveDestination(registry.Response{Destination: registry.ToSender()}, 0x42)
	if got == nil || *got != 0x42 {
		t.Fatalf("got %v, want 0x42", got)
	}
}

func TestResolveDestinationSenderUnknownIsBroadcast(t *testing.T) {
	l, _ := newTestLoop(t)
	if got := l.resolveDestination(registry.Response{Destination: registry.ToSender()}, 0); got != nil {
		t.Errorf("got %v, want nil when no sender is known (event dispatch)", got)
	}
}

func TestResolveDestinationExplicitNode(t *testing.T) {
	l, _ := newTestLoop(t)
	got := l.resolveDestination(registry.Response{Destination: registry.ToNode(0x99)}, 0x42)
	if got == nil || *got != 0x99 {
		t.Fatalf("got %v, want 0x99", got)
	}
}

// echoModule is a minimal registry.Module used to exercise dispatch.
type echoModule struct {
	registry.NoEvents
	lastCtx registry.MessageContext
	calls   int
}

func (m *echoModule) Name() string                 { return "echo" }
func (m *echoModule) Description() string           { return "test" }
func (m *echoModule) Commands() []string             { return []string{"echo"} }
func (m *echoModule) Scope() registry.Scope           { return registry.ScopeBoth }
func (m *echoModule) HandleCommand(cmd, args string, ctx registry.MessageContext) ([]registry.Response, error) {
	m.calls++
	m.lastCtx = ctx
	return []registry.Response{{Text: "echo: " + args, Destination: registry.ToSender(), Channel: ctx.Channel}}, nil
}

func textPacket(from, to uint32, channel uint32, text string) *meshtastic.MeshPacket {
	return &meshtastic.MeshPacket{
		From:    from,
		To:      to,
		Channel: channel,
		Id:      1,
		PayloadVariant: &meshtastic.MeshPacket_Decoded{
			Decoded: &meshtastic.Data{
				Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
				Payload: []byte(text),
			},
		},
	}
}

func TestHandleTextDispatchesRegisteredCommand(t *testing.T) {
	l, reg := newTestLoop(t)
	m := &echoModule{}
	reg.Register(m)

	l.handleText(textPacket(0x10, broadcastAddr, 0, "!echo hi there"), "!echo hi there", 1)

	if m.calls != 1 {
		t.Fatalf("expected HandleCommand called once, got %d", m.calls)
	}
	if m.lastCtx.Sender != 0x10 {
		t.Errorf("Sender = %x, want 0x10", m.lastCtx.Sender)
	}
	if m.lastCtx.AddressedToUs {
		t.Error("AddressedToUs = true for a broadcast packet")
	}

	tx, ok := l.queue.Dequeue()
	if !ok {
		t.Fatal("expected a queued response")
	}
	if tx.Text != "echo: hi there" {
		t.Errorf("Text = %q", tx.Text)
	}
	if tx.ToNode == nil || *tx.ToNode != 0x10 {
		t.Errorf("ToNode = %v, want 0x10 (sender)", tx.ToNode)
	}
}

func TestHandleTextIgnoresUnknownCommand(t *testing.T) {
	l, _ := newTestLoop(t)
	l.handleText(textPacket(0x10, broadcastAddr, 0, "!nope"), "!nope", 1)
	if _, ok := l.queue.Dequeue(); ok {
		t.Fatal("expected no queued response for an unregistered command")
	}
}

func TestHandleTextIgnoresPlainText(t *testing.T) {
	l, reg := newTestLoop(t)
	m := &echoModule{}
	reg.Register(m)
	l.handleText(textPacket(0x10, broadcastAddr, 0, "just chatting"), "just chatting", 1)
	if m.calls != 0 {
		t.Error("HandleCommand should not fire for text with no command prefix")
	}
}

func TestObserveNodeFirstSightingIsBufferedDuringGrace(t *testing.T) {
	l, reg := newTestLoop(t)
	capture := &eventCapture{}
	reg.Register(capture)

	l.observeNode(0xABCD, "ABC", "Node ABCD", mesh.TransportRF, nil, nil)

	if len(capture.events) != 0 {
		t.Fatal("discovery event should be buffered, not dispatched immediately")
	}

	l.openGrace()

	if len(capture.events) != 1 || capture.events[0].Kind != registry.EventNodeDiscovered {
		t.Fatalf("expected one discovery event after grace opens, got %+v", capture.events)
	}
	if capture.events[0].Node.NodeID != 0xABCD {
		t.Errorf("Node.NodeID = %x, want 0xABCD", capture.events[0].Node.NodeID)
	}

	node, err := l.store.GetNode(0xABCD)
	if err != nil || node == nil {
		t.Fatalf("expected node to be persisted: %v, %v", node, err)
	}
}

// eventCapture is a Module with no commands, purely recording
// HandleEvent calls, matching how Welcome has no Commands of its own.
type eventCapture struct {
	registry.NoEvents
	events []registry.Event
}

func (e *eventCapture) Name() string        { return "capture" }
func (e *eventCapture) Description() string { return "test" }
func (e *eventCapture) Commands() []string  { return nil }
func (e *eventCapture) Scope() registry.Scope { return registry.ScopeBoth }
func (e *eventCapture) HandleCommand(cmd, args string, ctx registry.MessageContext) ([]registry.Response, error) {
	return nil, nil
}
func (e *eventCapture) HandleEvent(evt registry.Event) ([]registry.Response, error) {
	e.events = append(e.events, evt)
	return nil, nil
}

func TestHasReturnedRespectsThreshold(t *testing.T) {
	l, _ := newTestLoop(t)
	l.cfg.WelcomeAbsence = time.Hour

	if l.hasReturned(mesh.Node{LastSeen: time.Now().Add(-10 * time.Minute)}) {
		t.Error("10 minutes absence should not count as a return with a 1h threshold")
	}
	if !l.hasReturned(mesh.Node{LastSeen: time.Now().Add(-2 * time.Hour)}) {
		t.Error("2 hours absence should count as a return with a 1h threshold")
	}
}

func TestHasReturnedDisabledWhenThresholdUnset(t *testing.T) {
	l, _ := newTestLoop(t)
	if l.hasReturned(mesh.Node{LastSeen: time.Now().Add(-48 * time.Hour)}) {
		t.Error("threshold of 0 should disable return detection")
	}
}
