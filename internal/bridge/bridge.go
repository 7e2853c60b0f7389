// Package bridge defines the platform-bridge contract (spec §4.6): a
// broadcast channel fans observed mesh text out to every registered
// bridge, and a single merged channel carries bridge-origin text back
// to the event loop. Bridges own their own external connections; the
// core neither retries nor reconnects them.
//
// Concrete bridge implementations for chat platforms are out of
// core scope; internal/bridge/mqttbridge is the one reference
// implementation shipped here, exercising this contract end to end.
package bridge

import (
	"context"
	"log/slog"
	"sync"
)

// OutboundText is one piece of observed mesh text fanned out to every
// registered bridge.
type OutboundText struct {
	FromNode uint32
	ToNode   *uint32 // nil = broadcast
	Channel  int
	Text     string
	ViaMQTT  bool
}

// InboundText is bridge-origin text destined for the mesh. Text is
// already prefixed with the bridge's echo-prevention tag (spec §4.2,
// e.g. "[TG:…]", "[DC:…]") by the bridge itself.
type InboundText struct {
	Bridge  string
	Channel int
	Text    string
}

// Bridge is implemented by one platform bridge.
type Bridge interface {
	// Name identifies this bridge for logging.
	Name() string
	// Tag is the echo-prevention source marker this bridge's own
	// relayed messages are prefixed with on the mesh side.
	Tag() string
	// Start connects the bridge's external transport and runs until
	// ctx is cancelled. It reads fanned-out mesh text from outbound
	// and writes mesh-bound text onto inbound. Start owns
	// reconnection for its own transport — the core never retries it.
	Start(ctx context.Context, outbound <-chan OutboundText, inbound chan<- InboundText) error
}

type registration struct {
	b   Bridge
	out chan OutboundText
}

// Fabric fans observed mesh text out to every registered bridge and
// merges each bridge's mesh-bound text onto one inbound channel the
// event loop drains. Grounded on the teacher's internal/signal/bridge.go
// Start() select loop (one cooperative goroutine per external
// connection) and internal/events' non-blocking broadcast pattern
// (a slow bridge misses a broadcast rather than stalling the loop).
type Fabric struct {
	mu       sync.Mutex
	regs     []registration
	inbound  chan InboundText
	outBufSz int
}

// NewFabric creates an empty Fabric. inboundBuf sizes the shared
// inbound channel every bridge writes onto.
func NewFabric(inboundBuf int) *Fabric {
	return &Fabric{
		inbound:  make(chan InboundText, inboundBuf),
		outBufSz: 32,
	}
}

// Register adds a bridge. Must be called before Start.
func (f *Fabric) Register(b Bridge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, registration{b: b, out: make(chan OutboundText, f.outBufSz)})
}

// Start launches every registered bridge as a sibling cooperative
// task. A bridge that returns before ctx is cancelled is logged, not
// restarted — reconnection within a bridge's own transport is its own
// responsibility.
func (f *Fabric) Start(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	f.mu.Lock()
	regs := make([]registration, len(f.regs))
	copy(regs, f.regs)
	f.mu.Unlock()

	for _, r := range regs {
		r := r
		go func() {
			if err := r.b.Start(ctx, r.out, f.inbound); err != nil && ctx.Err() == nil {
				logger.Error("bridge exited", "bridge", r.b.Name(), "error", err)
			}
		}()
	}
}

// Broadcast fans t out to every registered bridge, non-blocking: a
// bridge whose channel is full misses this message rather than
// stalling the caller.
func (f *Fabric) Broadcast(t OutboundText) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.regs {
		select {
		case r.out <- t:
		default:
		}
	}
}

// Inbound returns the merged channel of bridge-origin text the event
// loop drains into the outgoing queue.
func (f *Fabric) Inbound() <-chan InboundText {
	return f.inbound
}

// KnownTag reports whether text begins with any registered bridge's
// echo-prevention tag, used by the event loop to suppress re-fanning
// a bridge-origin message back out to bridges (spec §4.2).
func (f *Fabric) KnownTag(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.regs {
		tag := "[" + r.b.Tag() + ":"
		if len(text) >= len(tag) && text[:len(tag)] == tag {
			return true
		}
	}
	return false
}
