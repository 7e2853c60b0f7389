// Package queue implements the outgoing transmission FIFO described in
// spec §4.2: producers (modules, the probe scheduler, bridges) enqueue
// under a mutual-exclusion region that never blocks the drain site;
// the event loop is the single consumer, draining one item per
// send-tick. Grounded on the teacher's internal/mqtt/tokens.go
// concurrency style (mutex-guarded counters) and the periodic-ticker
// drain shape of internal/signal/bridge.go's typing-indicator
// refresher.
package queue

import (
	"sync"

	"github.com/hollowoak/meshbot/internal/mesh"
)

// Transmission is one pending outgoing mesh packet.
type Transmission struct {
	// ToNode is the destination node id, or nil for broadcast.
	ToNode *uint32
	// Channel is the mesh channel index to send on.
	Channel int
	// Text is the payload for a text-port transmission; it is not
	// sent for a traceroute transmission.
	Text string
	// Type records why this transmission exists (e.g. mesh.PacketText
	// for command replies, mesh.PacketTraceroute for probe requests).
	// The event loop sends mesh.PacketTraceroute on the traceroute port
	// and every other type on the text port.
	Type mesh.PacketType
	// MeshPktID is the id this process assigned to the packet, used
	// by the correlator to key sessions it originates.
	MeshPktID uint32
}

// Queue is a thread-safe FIFO of pending Transmissions. Depth is
// mutex-guarded rather than a separate atomic counter — the same lock
// already serializes Enqueue/Dequeue, so a second counter would only
// add a place for the two to drift (spec §5).
type Queue struct {
	mu    sync.Mutex
	items []Transmission
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a transmission to the tail of the queue. Safe to
// call from any producer goroutine concurrently with Dequeue.
func (q *Queue) Enqueue(tx Transmission) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, tx)
}

// Dequeue removes and returns the head transmission. ok is false if
// the queue is empty. Only the event loop should call this.
func (q *Queue) Dequeue() (tx Transmission, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Transmission{}, false
	}
	tx = q.items[0]
	q.items = q.items[1:]
	return tx, true
}

// Depth returns the current number of queued transmissions.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
