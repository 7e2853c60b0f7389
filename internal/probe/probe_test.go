package probe

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/mesh"
	"github.com/hollowoak/meshbot/internal/queue"
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

func TestProbeOnceSelectsEligibleCandidate(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertNode(0x1, "N1", "Node1", mesh.TransportRF, nil, nil); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	q := queue.New()
	sched := New(nil, s, q, nil, 0xFFFF, Config{
		RecentSeenWithin: time.Hour,
		PerNodeCooldown:  time.Minute,
	})

	if err := sched.probeOnce(context.Background()); err != nil {
		t.Fatalf("probeOnce: %v", err)
	}

	if q.Depth() != 1 {
		t.Fatalf("queue depth = %d, want 1", q.Depth())
	}
	tx, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a queued transmission")
	}
	if tx.ToNode == nil || *tx.ToNode != 0x1 {
		t.Errorf("ToNode = %v, want 0x1", tx.ToNode)
	}
	if tx.Type != mesh.PacketTraceroute {
		t.Errorf("Type = %v, want PacketTraceroute", tx.Type)
	}

	sessions, err := s.TracerouteSessions(0, 10, "all")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("TracerouteSessions: %v, %v", sessions, err)
	}
	if sessions[0].Status != mesh.StatusObserved {
		t.Errorf("Status = %v, want observed", sessions[0].Status)
	}
}

func TestProbeOnceSkipsWhenCandidateInCooldown(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertNode(0x1, "N1", "Node1", mesh.TransportRF, nil, nil); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	q := queue.New()
	bus := events.New()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	sched := New(nil, s, q, bus, 0xFFFF, Config{
		RecentSeenWithin: time.Hour,
		PerNodeCooldown:  time.Hour,
	})
	sched.cooldown.Touch(0x1)

	if err := sched.probeOnce(context.Background()); err != nil {
		t.Fatalf("probeOnce: %v", err)
	}

	if q.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0 (only candidate is cooling)", q.Depth())
	}

	select {
	case evt := <-sub:
		if evt.Kind != events.KindProbeSkipped {
			t.Errorf("Kind = %q, want %q", evt.Kind, events.KindProbeSkipped)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a probe_skipped event")
	}
}

func TestProbeOnceNoCandidatesDoesNothing(t *testing.T) {
	s := newTestStore(t)
	q := queue.New()
	sched := New(nil, s, q, nil, 0xFFFF, Config{RecentSeenWithin: time.Hour, PerNodeCooldown: time.Minute})

	if err := sched.probeOnce(context.Background()); err != nil {
		t.Fatalf("probeOnce: %v", err)
	}
	if q.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0", q.Depth())
	}
}
