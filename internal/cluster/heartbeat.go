package cluster

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distfs/internal/protocol"
)

// HeartbeatConfig configures the Heartbeat Service (spec.md §4.6).
type HeartbeatConfig struct {
	NodeID            string
	Interval          time.Duration
	Deadline          time.Duration
	FailureThreshold  int // consecutive failures before alive->suspect->dead
}

// OnPeerAlive is invoked the first time a peer transitions to alive after
// being unknown or dead, triggering reconnect-time reconciliation in the
// Replication Engine (spec.md §4.7(c)).
type OnPeerAlive func(nodeID string)

// OnPeerDead is invoked when a peer is marked dead after repeated heartbeat
// failures. The daemon's handler only logs the event; replication sends
// already under way to that peer are not cancelled by it.
type OnPeerDead func(nodeID string)

// Heartbeat periodically pings every registered peer over a fresh TCP
// connection and demotes/evicts peers that stop responding.
type Heartbeat struct {
	cfg      HeartbeatConfig
	registry *Registry
	statsFn  func() Stats
	onAlive  OnPeerAlive
	onDead   OnPeerDead
	log      *logrus.Entry

	mu            sync.Mutex
	wasKnownAlive map[string]bool
}

// NewHeartbeat constructs a Heartbeat service. statsFn supplies the opaque
// stats snapshot carried in each ping.
func NewHeartbeat(cfg HeartbeatConfig, registry *Registry, statsFn func() Stats, onAlive OnPeerAlive, onDead OnPeerDead, log *logrus.Entry) *Heartbeat {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Heartbeat{
		cfg: cfg, registry: registry, statsFn: statsFn, onAlive: onAlive, onDead: onDead,
		log:           log.WithField("component", "heartbeat"),
		wasKnownAlive: make(map[string]bool),
	}
}

// Run iterates the peer snapshot once per Interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	for _, peer := range h.registry.Snapshot() {
		peer := peer
		go h.pingOne(ctx, peer)
	}
}

func (h *Heartbeat) pingOne(ctx context.Context, peer Peer) {
	wasDead := peer.Liveness == Dead
	ok := h.ping(ctx, peer)
	if ok {
		h.registry.Observe(peer.NodeID, peer.Address, peer.VersionString, h.statsFn(), time.Now())
		h.mu.Lock()
		firstTimeAlive := !h.wasKnownAlive[peer.NodeID]
		h.wasKnownAlive[peer.NodeID] = true
		h.mu.Unlock()
		if firstTimeAlive && h.onAlive != nil {
			h.onAlive(peer.NodeID)
		}
		return
	}

	newLiveness := h.registry.RecordFailure(peer.NodeID, h.cfg.FailureThreshold)
	if newLiveness == Dead && !wasDead {
		h.mu.Lock()
		h.wasKnownAlive[peer.NodeID] = false
		h.mu.Unlock()
		h.registry.MarkDead(peer.NodeID)
		if h.onDead != nil {
			h.onDead(peer.NodeID)
		}
	}
}

// ping opens a fresh TCP connection, sends heartbeat/ping, and awaits
// response/pong -- never pooled or kept alive, per spec.md §4.6 and the
// "short-lived TCP connections" design note in §9.
func (h *Heartbeat) ping(ctx context.Context, peer Peer) bool {
	dialer := net.Dialer{Timeout: h.cfg.Deadline}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Address)
	if err != nil {
		h.log.WithField("peer", peer.NodeID).WithError(err).Debug("heartbeat dial failed")
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(h.cfg.Deadline))

	payload, _ := json.Marshal(h.statsFn())
	msg, err := protocol.New(protocol.TypeHeartbeat, protocol.ActionPing, "", h.cfg.NodeID, json.RawMessage(payload))
	if err != nil {
		return false
	}
	if err := protocol.WriteFrame(conn, msg); err != nil {
		h.log.WithField("peer", peer.NodeID).WithError(err).Debug("heartbeat send failed")
		return false
	}

	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		h.log.WithField("peer", peer.NodeID).WithError(err).Debug("heartbeat response read failed")
		return false
	}
	return resp.Type == protocol.TypeResponse && resp.Action == protocol.ActionPong
}
