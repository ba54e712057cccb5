package handlers

import (
	"encoding/json"
	"testing"

	"distfs/internal/cluster"
	"distfs/internal/localstore"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
	"distfs/internal/replication"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	local, err := localstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("localstore.New: %v", err)
	}
	meta, err := metadata.Open(t.TempDir()+"/meta.db", nil)
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	reg := cluster.NewRegistry("node-a", nil)
	repl := replication.New(replication.Config{NodeID: "node-a"}, reg, meta, local, nil)
	return New(local, meta, repl, "node-a", nil)
}

func msg(t *testing.T, action, path string, content any) *protocol.Message {
	t.Helper()
	m, err := protocol.New(protocol.TypeCommand, action, path, "node-a", content)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return m
}

func TestCreateThenReadRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	resp := h.Create(msg(t, protocol.ActionCreate, "a.txt", nil))
	if !resp.Success {
		t.Fatalf("Create failed: %s", resp.Message)
	}

	resp = h.Write(msg(t, protocol.ActionWrite, "a.txt", []byte("hello")))
	if !resp.Success {
		t.Fatalf("Write failed: %s", resp.Message)
	}

	resp = h.Read(msg(t, protocol.ActionRead, "a.txt", nil))
	if !resp.Success {
		t.Fatalf("Read failed: %s", resp.Message)
	}
	var data struct {
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode read response: %v", err)
	}
	if string(data.Data) != "hello" {
		t.Fatalf("expected body 'hello', got %q", data.Data)
	}
}

func TestWriteIncrementsVersion(t *testing.T) {
	h := newTestHandler(t)
	h.Create(msg(t, protocol.ActionCreate, "a.txt", nil))
	h.Write(msg(t, protocol.ActionWrite, "a.txt", []byte("v1")))
	h.Write(msg(t, protocol.ActionWrite, "a.txt", []byte("v2")))

	rec, ok, err := h.meta.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("expected metadata record, err=%v ok=%v", err, ok)
	}
	if rec.Version != 3 {
		t.Fatalf("expected version 3 after create+2 writes, got %d", rec.Version)
	}
}

func TestDeleteMarksTombstone(t *testing.T) {
	h := newTestHandler(t)
	h.Create(msg(t, protocol.ActionCreate, "a.txt", nil))
	resp := h.Delete(msg(t, protocol.ActionDelete, "a.txt", nil))
	if !resp.Success {
		t.Fatalf("Delete failed: %s", resp.Message)
	}
	rec, ok, err := h.meta.Get("a.txt")
	if err != nil || !ok {
		t.Fatalf("expected tombstone record, err=%v ok=%v", err, ok)
	}
	if !rec.IsDeleted {
		t.Fatalf("expected IsDeleted=true after Delete")
	}
}

func TestReadAfterDeleteIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	h.Create(msg(t, protocol.ActionCreate, "a.txt", nil))
	h.Write(msg(t, protocol.ActionWrite, "a.txt", []byte("hello")))

	resp := h.Delete(msg(t, protocol.ActionDelete, "a.txt", nil))
	if !resp.Success {
		t.Fatalf("Delete failed: %s", resp.Message)
	}

	resp = h.Read(msg(t, protocol.ActionRead, "a.txt", nil))
	if resp.Success {
		t.Fatalf("expected read of tombstoned path to fail regardless of physical delete outcome")
	}
}

func TestMkdirAndList(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Mkdir(msg(t, protocol.ActionMkdir, "dir", nil))
	if !resp.Success {
		t.Fatalf("Mkdir failed: %s", resp.Message)
	}
	h.Create(msg(t, protocol.ActionCreate, "dir/a.txt", nil))

	resp = h.List(msg(t, protocol.ActionList, "dir", nil))
	if !resp.Success {
		t.Fatalf("List failed: %s", resp.Message)
	}
	var data struct {
		Entries []localstore.Entry `json:"entries"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(data.Entries) != 1 || data.Entries[0].Name != "a.txt" {
		t.Fatalf("expected one entry 'a.txt', got %+v", data.Entries)
	}
}

func TestReadMissingFileFails(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Read(msg(t, protocol.ActionRead, "missing.txt", nil))
	if resp.Success {
		t.Fatalf("expected read of missing file to fail")
	}
}
