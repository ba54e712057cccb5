// Package daemon implements the Message Router / Node Daemon of spec.md
// §4.8: the TCP accept loop, per-connection dispatch, and the component
// startup/shutdown lifecycle.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distfs/internal/cluster"
	"distfs/internal/config"
	"distfs/internal/distfserr"
	"distfs/internal/handlers"
	"distfs/internal/localstore"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
	"distfs/internal/replication"
)

// connDeadline is the hard read/write deadline per connection, per
// spec.md §4.8.
const connDeadline = 30 * time.Second

// routeKey identifies one (type, action) pair in the dispatch table.
type routeKey struct {
	Type   protocol.Type
	Action string
}

// HandlerFunc processes one request message and produces a response body.
type HandlerFunc func(*protocol.Message) *protocol.ResponseBody

// Daemon owns every long-running component of a node: the Metadata Store,
// Local Store, Peer Registry, Discovery, Heartbeat, Replication Engine, and
// the TCP router itself.
type Daemon struct {
	cfg config.Config
	log *logrus.Entry

	meta  *metadata.Store
	local *localstore.Store
	reg   *cluster.Registry
	disc  *cluster.Discovery
	hb    *cluster.Heartbeat
	repl  *replication.Engine
	h     *handlers.Handler

	routes map[routeKey]HandlerFunc

	ln net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Daemon but performs no I/O yet; call Run to bring it up.
func New(cfg config.Config, log *logrus.Entry) *Daemon {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Daemon{cfg: cfg, log: log.WithField("component", "daemon")}
}

// Run executes the startup order of spec.md §4.8: open Metadata Store,
// open Local Store, bind TCP, bind UDP, start Discovery, start Heartbeat,
// start Replication Engine, mark ready. It blocks serving connections
// until ctx is cancelled, then runs Shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}

	var err error
	d.meta, err = metadata.Open(d.cfg.Filesystem.MetadataDB, d.log)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	d.local, err = localstore.New(d.cfg.Filesystem.RootPath)
	if err != nil {
		d.meta.Close()
		return fmt.Errorf("open local store: %w", err)
	}

	addr := net.JoinHostPort(d.cfg.Network.BindAddress, strconv.Itoa(d.cfg.Network.TCPPort))
	d.ln, err = net.Listen("tcp", addr)
	if err != nil {
		d.meta.Close()
		return fmt.Errorf("bind tcp: %w", err)
	}

	d.reg = cluster.NewRegistry(d.cfg.Node.Name, d.log)
	for _, seed := range d.cfg.Peers {
		d.reg.SeedStatic([]string{seed}, time.Now())
	}

	d.repl = replication.New(replication.Config{
		NodeID: d.cfg.Node.Name, BatchSize: d.cfg.Sync.BatchSize,
		ChunkSize: d.cfg.Sync.ChunkSize, MaxSyncThreads: d.cfg.Sync.MaxSyncThreads,
		DialTimeout: connDeadline,
	}, d.reg, d.meta, d.local, d.log)

	d.h = handlers.New(d.local, d.meta, d.repl, d.cfg.Node.Name, d.log)
	d.buildRoutes()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.cfg.Network.DiscoveryEnabled {
		d.disc = cluster.NewDiscovery(cluster.DiscoveryConfig{
			NodeID: d.cfg.Node.Name, TCPPort: d.cfg.Network.TCPPort, Version: "1",
			BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", d.cfg.Network.DiscoveryPort),
			ListenPort:    d.cfg.Network.DiscoveryPort,
			AnnounceEvery: d.cfg.HeartbeatIntervalDuration(),
		}, d.reg, d.log)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.disc.Run(runCtx); err != nil {
				d.log.WithError(err).Warn("discovery stopped")
			}
		}()
	}

	d.hb = cluster.NewHeartbeat(cluster.HeartbeatConfig{
		NodeID: d.cfg.Node.Name, Interval: d.cfg.HeartbeatIntervalDuration(), Deadline: connDeadline,
	}, d.reg, d.statsSnapshot, d.onPeerAlive, d.onPeerDead, d.log)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.hb.Run(runCtx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reapLoop(runCtx)
	}()

	d.log.WithFields(logrus.Fields{"node": d.cfg.Node.Name, "addr": addr}).Info("node ready")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop(runCtx)
	}()

	<-ctx.Done()
	return d.Shutdown()
}

// Shutdown reverses the startup order with a bounded grace period.
func (d *Daemon) Shutdown() error {
	d.log.Info("shutting down")
	if d.cancel != nil {
		d.cancel()
	}
	if d.ln != nil {
		d.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		d.log.Warn("shutdown grace period exceeded, forcing exit")
	}

	if d.meta != nil {
		return d.meta.Close()
	}
	return nil
}

func (d *Daemon) statsSnapshot() cluster.Stats {
	st, err := d.meta.Stats()
	if err != nil {
		return cluster.Stats{}
	}
	return cluster.Stats{
		"total_records": st.TotalRecords, "active_records": st.ActiveRecords,
		"deleted_records": st.DeletedRecords, "pending_syncs": st.PendingSyncs,
	}
}

func (d *Daemon) onPeerAlive(nodeID string) {
	if d.cfg.Filesystem.SyncOnStartup {
		go d.repl.Reconcile(nodeID)
	}
}

func (d *Daemon) onPeerDead(nodeID string) {
	d.log.WithField("peer", nodeID).Info("peer evicted")
}

func (d *Daemon) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReconnectTimeoutDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range d.reg.Reap(time.Now(), d.cfg.ReconnectTimeoutDuration()) {
				d.log.WithField("peer", id).Info("peer reaped")
			}
		}
	}
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(conn)
		}()
	}
}

func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	req, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		d.log.WithError(err).Debug("read frame failed")
		return
	}
	if !protocol.Verify(req) {
		d.writeError(conn, req, distfserr.KindIntegrity, "checksum mismatch")
		return
	}
	if protocol.IsStale(req, time.Now()) {
		d.writeError(conn, req, distfserr.KindStale, "message timestamp outside staleness window")
		return
	}

	resp := d.dispatch(req)
	if resp == nil {
		d.writeError(conn, req, distfserr.KindProtocol, "no handler registered for "+string(req.Type)+"/"+req.Action)
		return
	}
	if err := protocol.WriteFrame(conn, resp); err != nil {
		d.log.WithError(err).Debug("write response failed")
	}
}

// dispatch routes req to either the Local Command Surface, the
// Replication Engine's inbound handlers, or the heartbeat responder, and
// returns a single framed `response` message, or nil when no handler is
// registered for req's (type, action).
func (d *Daemon) dispatch(req *protocol.Message) *protocol.Message {
	switch {
	case req.Type == protocol.TypeHeartbeat && req.Action == protocol.ActionPing:
		resp, _ := protocol.New(protocol.TypeResponse, protocol.ActionPong, "", d.cfg.Node.Name, nil)
		return resp
	case req.Type == protocol.TypeSync && req.Action == protocol.ActionSyncMetadata:
		return d.repl.HandleSyncMetadata(req)
	case req.Type == protocol.TypeSync && req.Action == protocol.ActionRequestFile:
		return d.repl.HandleRequestFile(req)
	case req.Type == protocol.TypeSync && req.Action == protocol.ActionSyncFile:
		body := d.repl.ApplyInboundSync(req)
		return d.wrapResponse(req, body)
	}

	fn, ok := d.routes[routeKey{Type: req.Type, Action: req.Action}]
	if !ok {
		return nil
	}
	body := fn(req)
	return d.wrapResponse(req, body)
}

func (d *Daemon) wrapResponse(req *protocol.Message, body *protocol.ResponseBody) *protocol.Message {
	action := protocol.ActionOK
	if !body.Success {
		action = protocol.ActionError
	}
	data, _ := json.Marshal(body)
	resp, err := protocol.New(protocol.TypeResponse, action, req.Path, d.cfg.Node.Name, json.RawMessage(data))
	if err != nil {
		resp, _ = protocol.New(protocol.TypeResponse, protocol.ActionError, req.Path, d.cfg.Node.Name, nil)
	}
	return resp
}

func (d *Daemon) writeError(conn net.Conn, req *protocol.Message, kind distfserr.Kind, msg string) {
	path := ""
	if req != nil {
		path = req.Path
	}
	resp := d.wrapResponse(&protocol.Message{Path: path}, &protocol.ResponseBody{Success: false, Message: string(kind) + ": " + msg})
	_ = protocol.WriteFrame(conn, resp)
}

func (d *Daemon) buildRoutes() {
	d.routes = map[routeKey]HandlerFunc{
		{protocol.TypeCommand, protocol.ActionCreate}: d.h.Create,
		{protocol.TypeCommand, protocol.ActionRead}:   d.h.Read,
		{protocol.TypeCommand, protocol.ActionWrite}:  d.h.Write,
		{protocol.TypeCommand, protocol.ActionDelete}: d.h.Delete,
		{protocol.TypeCommand, protocol.ActionMkdir}:  d.h.Mkdir,
		{protocol.TypeCommand, protocol.ActionList}:   d.h.List,
	}
}
