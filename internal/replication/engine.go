// Package replication implements the Replication Engine of spec.md §4.7:
// local-change fan-out, inbound sync application, reconnect-time
// reconciliation, and conflict resolution.
package replication

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"distfs/internal/cluster"
	"distfs/internal/distfserr"
	"distfs/internal/localstore"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
)

// Config configures the Replication Engine.
type Config struct {
	NodeID         string
	BatchSize      int // in-flight cap for reconnect reconciliation, spec.md §4.7(c)
	ChunkSize      int // accepted for configuration compatibility, unused — see SPEC_FULL.md
	MaxSyncThreads int
	DialTimeout    time.Duration
	Retries        int
	Backoff        time.Duration // base backoff; doubled per attempt
}

// ChangeEvent is what the Local Command Surface hands the engine after a
// successful local mutation (spec.md §4.9 step 6).
type ChangeEvent struct {
	Record metadata.FileRecord
	Body   []byte // nil for delete
}

// syncFileContent is the wire shape of a sync/sync_file message's content.
type syncFileContent struct {
	Data     []byte             `json:"data,omitempty"`
	Metadata syncFileRecordWire `json:"metadata"`
}

type syncFileRecordWire struct {
	Filepath        string  `json:"filepath"`
	Checksum        string  `json:"checksum"`
	Size            int64   `json:"size"`
	Version         int64   `json:"version"`
	ModifiedTime    float64 `json:"modified_time"`
	CreatedTime     float64 `json:"created_time"`
	OriginatingNode string  `json:"originating_node_id"`
	LastOperation   string  `json:"last_operation"`
	IsDeleted       bool    `json:"is_deleted"`
}

func toWire(r metadata.FileRecord) syncFileRecordWire {
	return syncFileRecordWire{
		Filepath: r.Filepath, Checksum: r.Checksum, Size: r.Size, Version: r.Version,
		ModifiedTime: r.ModifiedTime, CreatedTime: r.CreatedTime,
		OriginatingNode: r.OriginatingNode, LastOperation: string(r.LastOperation), IsDeleted: r.IsDeleted,
	}
}

func fromWire(w syncFileRecordWire) metadata.FileRecord {
	return metadata.FileRecord{
		Filepath: w.Filepath, Checksum: w.Checksum, Size: w.Size, Version: w.Version,
		ModifiedTime: w.ModifiedTime, CreatedTime: w.CreatedTime,
		OriginatingNode: w.OriginatingNode, LastOperation: metadata.LastOperation(w.LastOperation), IsDeleted: w.IsDeleted,
	}
}

// Engine is the Replication Engine.
type Engine struct {
	cfg      Config
	registry *cluster.Registry
	meta     *metadata.Store
	local    *localstore.Store
	log      *logrus.Entry

	sem chan struct{} // bounds concurrent peer fan-out workers
}

// New constructs a Replication Engine.
func New(cfg Config, registry *cluster.Registry, meta *metadata.Store, local *localstore.Store, log *logrus.Entry) *Engine {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxSyncThreads == 0 {
		cfg.MaxSyncThreads = 8
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg: cfg, registry: registry, meta: meta, local: local,
		log: log.WithField("component", "replication"),
		sem: make(chan struct{}, cfg.MaxSyncThreads),
	}
}

// PropagateLocalChange fans ev out to every currently-alive peer, per
// spec.md §4.7(a). It does not block the caller on peer acknowledgement —
// the response to the originating client is already durable by the time
// this is called (spec.md §5).
func (e *Engine) PropagateLocalChange(ev ChangeEvent) {
	peers := e.registry.AliveSnapshot()
	for _, p := range peers {
		p := p
		go e.sendWithBackoff(p, ev)
	}
}

func (e *Engine) sendWithBackoff(peer cluster.Peer, ev ChangeEvent) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	syncID := uuid.NewString()
	if _, err := e.meta.AppendSync(metadata.SyncLogEntry{
		SyncID: syncID, SourceNode: e.cfg.NodeID, TargetNode: peer.NodeID, Filepath: ev.Record.Filepath,
		Action: string(ev.Record.LastOperation), Timestamp: nowSeconds(), Status: metadata.SyncPending,
	}); err != nil {
		e.log.WithError(err).Error("append sync log entry")
		return
	}

	// Exponential backoff with a bounded attempt budget, the same shape as
	// the teacher's replicateWithRetryAndResponse: attempt 0 runs
	// immediately, subsequent attempts wait backoff*2^(n-1).
	backoff := e.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt < e.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, alive := e.registry.Get(peer.NodeID); !alive {
			lastErr = fmt.Errorf("peer evicted mid-retry")
			break
		}
		lastErr = e.sendSyncFile(peer, ev)
		if lastErr == nil {
			_ = e.meta.ResolveSync(syncID, metadata.SyncSuccess, "")
			return
		}
	}
	e.log.WithField("peer", peer.NodeID).WithError(lastErr).Warn("replication send failed after retries")
	_ = e.meta.ResolveSync(syncID, metadata.SyncFailed, lastErr.Error())
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func sha256Hex(data []byte) (string, error) {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func (e *Engine) sendSyncFile(peer cluster.Peer, ev ChangeEvent) error {
	conn, err := net.DialTimeout("tcp", peer.Address, e.cfg.DialTimeout)
	if err != nil {
		return distfserr.Wrap(distfserr.KindUnavailable, "dial peer", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.DialTimeout))

	content := syncFileContent{Metadata: toWire(ev.Record)}
	if !ev.Record.IsDeleted {
		content.Data = ev.Body
	}
	msg, err := protocol.New(protocol.TypeSync, protocol.ActionSyncFile, ev.Record.Filepath, e.cfg.NodeID, content)
	if err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, msg); err != nil {
		return err
	}
	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		return err
	}
	var body protocol.ResponseBody
	if len(resp.Content) > 0 {
		_ = json.Unmarshal(resp.Content, &body)
	}
	if !body.Success {
		return distfserr.New(distfserr.KindWriteFailed, body.Message)
	}
	return nil
}

// ApplyInboundSync handles a received sync/sync_file message per spec.md
// §4.7(b): verify checksum, then upsert-or-conflict-resolve.
func (e *Engine) ApplyInboundSync(msg *protocol.Message) *protocol.ResponseBody {
	var content syncFileContent
	if err := json.Unmarshal(msg.Content, &content); err != nil {
		return failResponse(distfserr.KindProtocol, "decode sync_file content")
	}
	incoming := fromWire(content.Metadata)

	if len(content.Data) > 0 {
		sum, err := sha256Hex(content.Data)
		if err != nil || sum != incoming.Checksum {
			return failResponse(distfserr.KindIntegrity, "body checksum mismatch")
		}
	}

	existing, hasExisting, err := e.meta.Get(incoming.Filepath)
	if err != nil {
		return failResponse(distfserr.KindWriteFailed, "read existing record")
	}

	final := incoming
	remoteIsWinner := true
	if hasExisting && incoming.Version <= existing.Version {
		final = Resolve(existing, incoming)
		remoteIsWinner = remoteWins(existing, incoming)
	}

	// Only touch the local body when the incoming record is the one that
	// won; if the existing local record wins, its body on disk is already
	// correct and must not be clobbered with the losing side's bytes.
	if remoteIsWinner {
		if !final.IsDeleted && len(content.Data) > 0 {
			if _, err := e.local.Write(final.Filepath, content.Data); err != nil {
				return failResponse(distfserr.KindWriteFailed, "write replicated body")
			}
			sum, err := e.local.Hash(final.Filepath)
			if err != nil || sum != final.Checksum {
				return failResponse(distfserr.KindWriteFailed, "re-verify replicated body")
			}
		} else if final.IsDeleted {
			_ = e.local.Delete(final.Filepath)
		}
	}

	if hasExisting {
		// Conflict resolution above already computed a version that
		// outranks both inputs, so this commit is always the new maximum
		// regardless of the store's own monotonic check.
		if final.Version <= existing.Version {
			final.Version = existing.Version + 1
		}
	}
	if err := e.meta.Upsert(final); err != nil {
		return failResponse(distfserr.KindWriteFailed, "commit replicated record")
	}

	return &protocol.ResponseBody{Success: true, Message: "applied"}
}

func failResponse(kind distfserr.Kind, msg string) *protocol.ResponseBody {
	return &protocol.ResponseBody{Success: false, Message: fmt.Sprintf("%s: %s", kind, msg)}
}
