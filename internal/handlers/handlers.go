// Package handlers implements the Local Command Surface of spec.md §4.9:
// the six file actions that mutate or read the local namespace.
package handlers

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"distfs/internal/distfserr"
	"distfs/internal/localstore"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
	"distfs/internal/replication"
)

// Handler holds all dependencies injected from the daemon, the same
// constructor-injection shape the teacher's api.Handler uses.
type Handler struct {
	local  *localstore.Store
	meta   *metadata.Store
	repl   *replication.Engine
	nodeID string
	log    *logrus.Entry

	// writerMu is the Metadata Store writer lock of spec.md §5: held across
	// the local-store operation and the metadata upsert so the two never
	// race for the same path.
	writerMu sync.Mutex
}

// New constructs a Handler.
func New(local *localstore.Store, meta *metadata.Store, repl *replication.Engine, nodeID string, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{local: local, meta: meta, repl: repl, nodeID: nodeID, log: log.WithField("component", "handlers")}
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func ok(data any) *protocol.ResponseBody {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	return &protocol.ResponseBody{Success: true, Message: "ok", Data: raw}
}

func fail(kind distfserr.Kind, msg string) *protocol.ResponseBody {
	return &protocol.ResponseBody{Success: false, Message: string(kind) + ": " + msg}
}

func failErr(err error) *protocol.ResponseBody {
	return fail(distfserr.KindOf(err), err.Error())
}

// commit records the new revision of path in the Metadata Store and, once
// committed, hands the change to the Replication Engine — steps 4-6 of
// spec.md §4.9, run under the writer lock acquired by the caller.
func (h *Handler) commit(path string, body []byte, op metadata.LastOperation, deleted bool) (metadata.FileRecord, error) {
	version, err := h.meta.NextVersion(path)
	if err != nil {
		return metadata.FileRecord{}, err
	}
	checksum := ""
	if !deleted {
		checksum, err = h.local.Hash(path)
		if err != nil {
			return metadata.FileRecord{}, err
		}
	}
	now := nowSeconds()
	existing, hasExisting, err := h.meta.Get(path)
	if err != nil {
		return metadata.FileRecord{}, err
	}
	created := now
	if hasExisting {
		created = existing.CreatedTime
	}
	rec := metadata.FileRecord{
		Filepath: path, Checksum: checksum, Size: int64(len(body)), Version: version,
		ModifiedTime: now, CreatedTime: created, OriginatingNode: h.nodeID,
		LastOperation: op, IsDeleted: deleted,
	}
	if err := h.meta.Upsert(rec); err != nil {
		return metadata.FileRecord{}, err
	}
	h.repl.PropagateLocalChange(replication.ChangeEvent{Record: rec, Body: body})
	return rec, nil
}

// Create handles command/create.
func (h *Handler) Create(msg *protocol.Message) *protocol.ResponseBody {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if err := h.local.Create(msg.Path); err != nil {
		return failErr(err)
	}
	if _, err := h.commit(msg.Path, nil, metadata.OpCreate, false); err != nil {
		return failErr(err)
	}
	return ok(nil)
}

// Read handles command/read. It does not take the writer lock: reads are
// not serialized against each other, only against concurrent writes to the
// same path via the OS's own file semantics.
func (h *Handler) Read(msg *protocol.Message) *protocol.ResponseBody {
	rec, found, err := h.meta.Get(msg.Path)
	if err != nil {
		return failErr(err)
	}
	if found && rec.IsDeleted {
		return fail(distfserr.KindNotFound, "path deleted")
	}

	data, err := h.local.Read(msg.Path)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"data": data})
}

// Write handles command/write. msg.Content carries the raw file bytes.
func (h *Handler) Write(msg *protocol.Message) *protocol.ResponseBody {
	var body []byte
	if err := json.Unmarshal(msg.Content, &body); err != nil {
		return fail(distfserr.KindProtocol, "decode write body")
	}

	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if _, err := h.local.Write(msg.Path, body); err != nil {
		return failErr(err)
	}
	if _, err := h.commit(msg.Path, body, metadata.OpModify, false); err != nil {
		return failErr(err)
	}
	return ok(nil)
}

// Delete handles command/delete.
func (h *Handler) Delete(msg *protocol.Message) *protocol.ResponseBody {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if err := h.local.Delete(msg.Path); err != nil {
		return failErr(err)
	}
	if _, err := h.commit(msg.Path, nil, metadata.OpDelete, true); err != nil {
		return failErr(err)
	}
	return ok(nil)
}

// Mkdir handles command/mkdir.
func (h *Handler) Mkdir(msg *protocol.Message) *protocol.ResponseBody {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if err := h.local.Mkdir(msg.Path); err != nil {
		return failErr(err)
	}
	if _, err := h.commit(msg.Path, nil, metadata.OpMkdir, false); err != nil {
		return failErr(err)
	}
	return ok(nil)
}

// List handles command/list. It does not mutate state, so it takes no lock
// and emits no replication event.
func (h *Handler) List(msg *protocol.Message) *protocol.ResponseBody {
	entries, err := h.local.List(msg.Path)
	if err != nil {
		return failErr(err)
	}
	return ok(map[string]any{"entries": entries})
}
