package replication

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"distfs/internal/cluster"
	"distfs/internal/localstore"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
)

// testPeer wires up a listening Engine that serves sync_file, sync_metadata
// and request_file requests, the way the daemon's dispatch table would.
type testPeer struct {
	nodeID string
	engine *Engine
	meta   *metadata.Store
	local  *localstore.Store
	ln     net.Listener
}

func newTestPeer(t *testing.T, nodeID string) *testPeer {
	t.Helper()
	metaStore, err := metadata.Open(t.TempDir()+"/meta.db", nil)
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { metaStore.Close() })
	local, err := localstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	reg := cluster.NewRegistry(nodeID, nil)
	eng := New(Config{NodeID: nodeID, DialTimeout: 2 * time.Second, Retries: 2, Backoff: 10 * time.Millisecond}, reg, metaStore, local, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &testPeer{nodeID: nodeID, engine: eng, meta: metaStore, local: local, ln: ln}
	go p.serve()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *testPeer) serve() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *testPeer) handle(conn net.Conn) {
	defer conn.Close()
	msg, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return
	}
	switch msg.Action {
	case protocol.ActionSyncFile:
		respBody := p.engine.ApplyInboundSync(msg)
		data, _ := json.Marshal(respBody)
		resp, _ := protocol.New(protocol.TypeResponse, protocol.ActionOK, msg.Path, p.nodeID, json.RawMessage(data))
		protocol.WriteFrame(conn, resp)
	case protocol.ActionSyncMetadata:
		resp := p.engine.HandleSyncMetadata(msg)
		protocol.WriteFrame(conn, resp)
	case protocol.ActionRequestFile:
		resp := p.engine.HandleRequestFile(msg)
		protocol.WriteFrame(conn, resp)
	}
}

func (p *testPeer) addr() string { return p.ln.Addr().String() }

func TestPropagateLocalChangeAppliesOnPeer(t *testing.T) {
	source := newTestPeer(t, "node-a")
	target := newTestPeer(t, "node-b")
	source.engine.registry.Observe("node-b", target.addr(), "", nil, time.Now())

	body := []byte("hello world")
	sum, _ := sha256Hex(body)
	rec := metadata.FileRecord{
		Filepath: "greeting.txt", Checksum: sum, Size: int64(len(body)), Version: 1,
		ModifiedTime: nowSeconds(), CreatedTime: nowSeconds(), OriginatingNode: "node-a",
		LastOperation: metadata.OpCreate,
	}
	source.engine.PropagateLocalChange(ChangeEvent{Record: rec, Body: body})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := target.local.Read("greeting.txt"); err == nil && string(got) == "hello world" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("target peer never received replicated file")
}

func TestApplyInboundSyncRejectsChecksumMismatch(t *testing.T) {
	target := newTestPeer(t, "node-b")

	content := syncFileContent{
		Data: []byte("tampered"),
		Metadata: syncFileRecordWire{
			Filepath: "f.txt", Checksum: "0000000000000000000000000000000000000000000000000000000000000000",
			Version: 1, OriginatingNode: "node-a",
		},
	}
	msg, err := protocol.New(protocol.TypeSync, protocol.ActionSyncFile, "f.txt", "node-a", content)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	resp := target.engine.ApplyInboundSync(msg)
	if resp.Success {
		t.Fatalf("expected checksum mismatch to be rejected")
	}
}

func TestApplyInboundSyncKeepsLocalBodyWhenLocalWins(t *testing.T) {
	target := newTestPeer(t, "node-b")

	localBody := []byte("b's later write")
	localSum, _ := sha256Hex(localBody)
	if _, err := target.local.Write("shared.txt", localBody); err != nil {
		t.Fatalf("seed local body: %v", err)
	}
	existing := metadata.FileRecord{
		Filepath: "shared.txt", Checksum: localSum, Size: int64(len(localBody)), Version: 3,
		ModifiedTime: 200, CreatedTime: 100, OriginatingNode: "node-b",
		LastOperation: metadata.OpModify,
	}
	if err := target.meta.Upsert(existing); err != nil {
		t.Fatalf("seed local metadata: %v", err)
	}

	remoteBody := []byte("a's older write")
	remoteSum, _ := sha256Hex(remoteBody)
	content := syncFileContent{
		Data: remoteBody,
		Metadata: syncFileRecordWire{
			Filepath: "shared.txt", Checksum: remoteSum, Size: int64(len(remoteBody)), Version: 1,
			ModifiedTime: 100, OriginatingNode: "node-a", LastOperation: string(metadata.OpModify),
		},
	}
	msg, err := protocol.New(protocol.TypeSync, protocol.ActionSyncFile, "shared.txt", "node-a", content)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}

	resp := target.engine.ApplyInboundSync(msg)
	if !resp.Success {
		t.Fatalf("expected local-wins sync to succeed as a no-op write, got %q", resp.Message)
	}

	got, err := target.local.Read("shared.txt")
	if err != nil {
		t.Fatalf("read local body: %v", err)
	}
	if string(got) != string(localBody) {
		t.Fatalf("local body was clobbered by losing remote write: got %q", got)
	}

	rec, ok, err := target.meta.Get("shared.txt")
	if err != nil || !ok {
		t.Fatalf("get record: %v, ok=%v", err, ok)
	}
	if rec.OriginatingNode != "node-b" || rec.Version != 4 {
		t.Fatalf("expected local record to survive with bumped version 4, got origin=%s version=%d", rec.OriginatingNode, rec.Version)
	}
}

func TestReconcilePullsNewerPeerRecord(t *testing.T) {
	source := newTestPeer(t, "node-a")
	target := newTestPeer(t, "node-b")
	source.engine.registry.Observe("node-b", target.addr(), "", nil, time.Now())

	body := []byte("peer content")
	sum, _ := sha256Hex(body)
	rec := metadata.FileRecord{
		Filepath: "doc.txt", Checksum: sum, Size: int64(len(body)), Version: 5,
		ModifiedTime: nowSeconds(), CreatedTime: nowSeconds(), OriginatingNode: "node-b",
		LastOperation: metadata.OpCreate,
	}
	if err := target.meta.Upsert(rec); err != nil {
		t.Fatalf("seed target metadata: %v", err)
	}
	if _, err := target.local.Write("doc.txt", body); err != nil {
		t.Fatalf("seed target body: %v", err)
	}

	source.engine.Reconcile("node-b")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := source.local.Read("doc.txt"); err == nil && string(got) == "peer content" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("source never pulled newer record from peer")
}
