package cluster

import (
	"testing"
	"time"
)

func TestObserveInsertsAndExcludesSelf(t *testing.T) {
	r := NewRegistry("self-node", nil)
	now := time.Now()

	r.Observe("self-node", "127.0.0.1:9000", "1.0", nil, now)
	if len(r.Snapshot()) != 0 {
		t.Fatalf("self should never be admitted to the registry")
	}

	r.Observe("peer-a", "127.0.0.1:9001", "1.0", nil, now)
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].NodeID != "peer-a" {
		t.Fatalf("Snapshot = %+v, want one entry for peer-a", snap)
	}
	if snap[0].Liveness != Alive {
		t.Fatalf("newly observed peer should be alive, got %s", snap[0].Liveness)
	}
}

func TestReapEvictsStalePeers(t *testing.T) {
	r := NewRegistry("self-node", nil)
	past := time.Now().Add(-10 * time.Second)
	r.Observe("peer-a", "127.0.0.1:9001", "", nil, past)

	removed := r.Reap(time.Now(), 3*time.Second)
	if len(removed) != 1 || removed[0] != "peer-a" {
		t.Fatalf("Reap = %v, want [peer-a]", removed)
	}
	if _, ok := r.Get("peer-a"); ok {
		t.Fatalf("expected peer-a to be removed")
	}
}

func TestReapRespectsLastSeenInvariant(t *testing.T) {
	r := NewRegistry("self-node", nil)
	now := time.Now()
	r.Observe("peer-a", "127.0.0.1:9001", "", nil, now)

	removed := r.Reap(now.Add(time.Second), 3*time.Second)
	if len(removed) != 0 {
		t.Fatalf("peer within reconnect_timeout should not be reaped, got %v", removed)
	}
}

func TestRecordFailureTransitionsLiveness(t *testing.T) {
	r := NewRegistry("self-node", nil)
	r.Observe("peer-a", "127.0.0.1:9001", "", nil, time.Now())

	r.RecordFailure("peer-a", 3)
	p, _ := r.Get("peer-a")
	if p.Liveness != Alive && p.Liveness != Suspect {
		t.Fatalf("after 1 failure, expected alive or suspect, got %s", p.Liveness)
	}

	r.RecordFailure("peer-a", 3)
	live := r.RecordFailure("peer-a", 3)
	if live != Dead {
		t.Fatalf("after 3 consecutive failures, expected dead, got %s", live)
	}
}

func TestMarkDead(t *testing.T) {
	r := NewRegistry("self-node", nil)
	r.Observe("peer-a", "127.0.0.1:9001", "", nil, time.Now())
	r.MarkDead("peer-a")
	p, _ := r.Get("peer-a")
	if p.Liveness != Dead {
		t.Fatalf("expected dead after MarkDead, got %s", p.Liveness)
	}
}
