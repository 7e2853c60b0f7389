// Package probe implements the adaptive traceroute probe scheduler
// (spec §4.4): on a jittered tick, pick at most one node lacking an RF
// hop sample and not in cooldown, widening the candidate window when
// every candidate in it is cooling, and enqueue a traceroute request
// for it.
//
// Timer lifecycle is grounded on the teacher's
// internal/scheduler/scheduler.go (a single time.AfterFunc rescheduled
// from within its own fire callback); candidate persistence comes from
// internal/store's NodesEligibleForProbe query.
package probe

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hollowoak/meshbot/internal/clock"
	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/queue"
	"github.com/hollowoak/meshbot/internal/store"
)

// candidateWindows is the adaptive widening sequence spec §4.4
// requires: 10, then 25, 50, 100 if every narrower window is cooling.
var candidateWindows = []int{10, 25, 50, 100}

// Config controls probe timing and candidate selection, sourced from
// the [traceroute_probe] config section.
type Config struct {
	BaseInterval     time.Duration
	JitterPct        int
	RecentSeenWithin time.Duration
	PerNodeCooldown  time.Duration
	Channel          int
}

// Scheduler runs the probe tick loop. At most one traceroute request
// is enqueued per tick, and none when no candidate is eligible.
type Scheduler struct {
	logger   *slog.Logger
	store    *store.Store
	queue    *queue.Queue
	bus      *events.Bus
	cooldown *clock.Cooldowns
	myNodeID uint32
	cfg      Config

	mu      sync.Mutex
	timer   *time.Timer
	running bool
}

// New builds a Scheduler. myNodeID is updated via SetMyNodeID after
// every radio reconnect.
func New(logger *slog.Logger, s *store.Store, q *queue.Queue, bus *events.Bus, myNodeID uint32, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		store:    s,
		queue:    q,
		bus:      bus,
		cooldown: clock.NewCooldowns(),
		myNodeID: myNodeID,
		cfg:      cfg,
	}
}

// SetMyNodeID updates the node id probes are attributed to, called
// after the radio's MyInfo frame re-establishes identity on reconnect.
func (s *Scheduler) SetMyNodeID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.myNodeID = id
}

// Start schedules the first probe tick. Ticks continue until Stop is
// called; each tick reschedules itself for the next jittered interval
// regardless of whether it found a candidate.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.scheduleNextLocked(ctx)
}

// Stop cancels the pending timer. Safe to call even if not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) scheduleNextLocked(ctx context.Context) {
	delay := clock.JitteredInterval(s.cfg.BaseInterval, s.cfg.JitterPct)
	s.timer = time.AfterFunc(delay, func() {
		s.tick(ctx)
	})
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.probeOnce(ctx); err != nil {
		s.logger.Warn("probe tick failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.scheduleNextLocked(ctx)
	}
}

// probeOnce selects at most one candidate and enqueues a traceroute
// request for it.
func (s *Scheduler) probeOnce(ctx context.Context) error {
	candidate, windowUsed, err := s.selectCandidate()
	if err != nil {
		return err
	}
	if candidate == nil {
		s.logger.Info("no eligible probe candidate", "reason", "all windows exhausted or empty")
		s.publishSkipped("no_candidate")
		return nil
	}

	requestID := rand.Uint32()
	traceKey := mesh.TraceKey(true, s.myNodeID, candidate.NodeID, requestID)
	reqPktID := int64(requestID)
	dest := candidate.NodeID

	if _, err := s.store.CreateSession(traceKey, s.myNodeID, &dest, false, &reqPktID); err != nil {
		return err
	}
	s.cooldown.Touch(candidate.NodeID)

	s.queue.Enqueue(queue.Transmission{
		ToNode:    &dest,
		Channel:   s.cfg.Channel,
		Type:      mesh.PacketTraceroute,
		MeshPktID: requestID,
	})

	s.logger.Info("probe enqueued", "target", candidate.NodeID, "request_id", requestID, "window", windowUsed)
	return nil
}

// selectCandidate widens the query window until it finds a node not
// currently in cooldown, or exhausts every window.
func (s *Scheduler) selectCandidate() (*mesh.Node, int, error) {
	s.mu.Lock()
	myNodeID := s.myNodeID
	recentWithin := s.cfg.RecentSeenWithin
	cooldown := s.cfg.PerNodeCooldown
	s.mu.Unlock()

	for _, limit := range candidateWindows {
		nodes, err := s.store.NodesEligibleForProbe(myNodeID, recentWithin, limit)
		if err != nil {
			return nil, limit, err
		}
		for i := range nodes {
			n := nodes[i]
			if !s.cooldown.InCooldown(n.NodeID, cooldown) {
				return &n, limit, nil
			}
		}
	}
	return nil, candidateWindows[len(candidateWindows)-1], nil
}

func (s *Scheduler) publishSkipped(reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceProbe,
		Kind:      events.KindProbeSkipped,
		Data:      map[string]any{"reason": reason},
	})
}
