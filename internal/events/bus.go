// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (event loop, store, probe
// scheduler, bridges) to subscribers (the dashboard's refresh stream,
// future metrics collectors). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceEventLoop identifies events from the core packet dispatch loop.
	SourceEventLoop = "event_loop"
	// SourceStore identifies events from a persisted change in the Store.
	SourceStore = "store"
	// SourceProbe identifies events from the traceroute probe scheduler.
	SourceProbe = "probe"
	// SourceBridge identifies events from a bridge implementation.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindRefresh fires on every persisted change, for external
	// observers such as the dashboard's refresh stream.
	KindRefresh = "refresh"
	// KindPacketLogged signals a packet row was appended to the Store.
	// Data: packet_type, from_node, direction.
	KindPacketLogged = "packet_logged"
	// KindNodeUpdated signals a node was inserted or upserted.
	// Data: node_id.
	KindNodeUpdated = "node_updated"
	// KindTracerouteUpdated signals a traceroute session was created or
	// promoted. Data: status, plus trace_key on creation or session_id
	// on promotion.
	KindTracerouteUpdated = "traceroute_updated"
	// KindQueueDepthChanged signals the outgoing queue depth changed.
	// Data: depth.
	KindQueueDepthChanged = "queue_depth_changed"
	// KindConnectionStateChanged signals the radio connection
	// transitioned between connected/disconnected. Data: connected.
	KindConnectionStateChanged = "connection_state_changed"
	// KindProbeSkipped signals the probe scheduler found no eligible
	// candidate this tick. Data: reason.
	KindProbeSkipped = "probe_skipped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// dashboard stream consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
