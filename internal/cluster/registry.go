// Package cluster implements the Peer Registry (spec.md §4.4), the
// Discovery Service (§4.5), and the Heartbeat Service (§4.6): everything
// that maintains the set of known peers and their liveness state.
package cluster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Liveness is a peer's liveness state.
type Liveness string

const (
	Alive   Liveness = "alive"
	Suspect Liveness = "suspect"
	Dead    Liveness = "dead"
)

// Stats is an opaque snapshot carried in heartbeat/discovery payloads (the
// process-statistics probe is out of scope per spec.md §1 — this system
// only stores and forwards it).
type Stats map[string]any

// Peer is one known cluster member (spec.md §3).
type Peer struct {
	NodeID        string
	Address       string // host:tcp_port
	LastSeen      time.Time
	Liveness      Liveness
	VersionString string
	Stats         Stats

	consecutiveFailures int
}

// Registry is the in-memory peer set, guarded by one lock per spec.md §5
// ("The Peer Registry has its own lock, never held while doing I/O.").
// Modeled on leonletto-thrum's PeerRegistry: a single map behind one
// sync.RWMutex, mutated only through named operations, with copy-out
// accessors so callers never race against further registry mutation.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]*Peer // nodeID -> Peer
	byAddr map[string]string // address -> nodeID
	selfID string
	log    *logrus.Entry
}

// NewRegistry creates an empty registry that will never admit selfID
// (Invariant 5: "self is never in the Peer Registry").
func NewRegistry(selfID string, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		peers:  make(map[string]*Peer),
		byAddr: make(map[string]string),
		selfID: selfID,
		log:    log.WithField("component", "peer_registry"),
	}
}

// Observe records contact with a peer (by discovery datagram, inbound
// message, or successful heartbeat), inserting it if unknown and
// transitioning its liveness to alive.
func (r *Registry) Observe(nodeID, address string, versionString string, stats Stats, now time.Time) {
	if nodeID == r.selfID || nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok {
		// A static seed registered under its address gives way to the
		// entry for its real node id once that id is heard at the address.
		if oldID, known := r.byAddr[address]; known && oldID == address {
			delete(r.peers, oldID)
		}
		p = &Peer{NodeID: nodeID}
		r.peers[nodeID] = p
		r.log.WithField("peer", nodeID).WithField("address", address).Info("peer discovered")
	}
	p.Address = address
	p.LastSeen = now
	p.Liveness = Alive
	p.consecutiveFailures = 0
	if versionString != "" {
		p.VersionString = versionString
	}
	if stats != nil {
		p.Stats = stats
	}
	if address != "" {
		r.byAddr[address] = nodeID
	}
}

// Snapshot returns a stable copy of every known peer, for fan-out.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// AliveSnapshot returns a stable copy of every peer currently alive.
func (r *Registry) AliveSnapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Liveness == Alive {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns a copy of the peer with the given node id.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// RecordFailure increments the peer's consecutive-failure counter and
// demotes its liveness (alive -> suspect -> dead) once the given threshold
// is reached, per spec.md §4.6 ("Three consecutive failures ... transition
// liveness alive -> suspect -> dead").
func (r *Registry) RecordFailure(nodeID string, threshold int) Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Dead
	}
	p.consecutiveFailures++
	switch {
	case p.consecutiveFailures >= threshold:
		p.Liveness = Dead
	case p.consecutiveFailures >= threshold/2+1:
		p.Liveness = Suspect
	}
	return p.Liveness
}

// MarkDead sets a peer's liveness to dead, e.g. after repeated heartbeat
// failures exhaust the retry budget. The peer is not removed: it stays in
// the registry, out of AliveSnapshot, until Reap evicts it.
func (r *Registry) MarkDead(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[nodeID]; ok {
		p.Liveness = Dead
	}
}

// Reap evicts peers that have not been heard from within reconnectTimeout
// and returns their node ids, so the Replication Engine can cancel
// in-flight work addressed to them (spec.md §4.4, Invariant 6).
func (r *Registry) Reap(now time.Time, reconnectTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > reconnectTimeout {
			removed = append(removed, id)
			delete(r.peers, id)
			delete(r.byAddr, p.Address)
		}
	}
	if len(removed) > 0 {
		r.log.WithField("peers", removed).Info("reaped unreachable peers")
	}
	return removed
}

// NodeIDForAddr looks up a node id by address, for cases (e.g. static
// seeds) where the peer's node id is not yet known.
func (r *Registry) NodeIDForAddr(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[address]
	return id, ok
}

// SeedStatic adds statically configured peer addresses at startup, using
// the address itself as a placeholder node id until the peer is heard
// from directly under its real node id at the same address (see Observe)
// (spec.md §3: "address if id not yet known").
func (r *Registry) SeedStatic(addresses []string, now time.Time) {
	for _, addr := range addresses {
		r.Observe(addr, addr, "", nil, now)
	}
}
