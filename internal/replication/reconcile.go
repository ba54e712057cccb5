package replication

import (
	"encoding/json"
	"net"
	"time"

	"distfs/internal/cluster"
	"distfs/internal/distfserr"
	"distfs/internal/metadata"
	"distfs/internal/protocol"
)

// metadataSetContent is the wire shape of sync_metadata's content: the full
// set of active records, per the Open Question decision in SPEC_FULL.md
// (full-set exchange, not a delta).
type metadataSetContent struct {
	Records []syncFileRecordWire `json:"records"`
}

// requestFileContent is the wire shape of request_file's content.
type requestFileContent struct {
	Filepath string `json:"filepath"`
}

// Reconcile runs the reconnect-time reconciliation of spec.md §4.7(c) for
// one peer: exchange full active-record sets, then pull the body of every
// record where the peer has a strictly newer version than ours.
func (e *Engine) Reconcile(nodeID string) {
	peer, ok := e.registry.Get(nodeID)
	if !ok {
		return
	}
	log := e.log.WithField("peer", nodeID)

	mine, err := e.meta.AllActive()
	if err != nil {
		log.WithError(err).Error("reconcile: read local active set")
		return
	}
	wireRecords := make([]syncFileRecordWire, len(mine))
	for i, r := range mine {
		wireRecords[i] = toWire(r)
	}

	conn, err := net.DialTimeout("tcp", peer.Address, e.cfg.DialTimeout)
	if err != nil {
		log.WithError(err).Debug("reconcile: dial peer")
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.DialTimeout))

	msg, err := protocol.New(protocol.TypeSync, protocol.ActionSyncMetadata, "", e.cfg.NodeID, metadataSetContent{Records: wireRecords})
	if err != nil {
		log.WithError(err).Error("reconcile: build sync_metadata message")
		return
	}
	if err := protocol.WriteFrame(conn, msg); err != nil {
		log.WithError(err).Warn("reconcile: send sync_metadata")
		return
	}
	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		log.WithError(err).Warn("reconcile: read sync_metadata response")
		return
	}
	var theirs metadataSetContent
	if len(resp.Content) > 0 {
		_ = json.Unmarshal(resp.Content, &theirs)
	}

	mineByPath := make(map[string]metadata.FileRecord, len(mine))
	for _, r := range mine {
		mineByPath[r.Filepath] = r
	}

	sem := make(chan struct{}, e.cfg.BatchSize)
	for _, w := range theirs.Records {
		theirRec := fromWire(w)
		local, have := mineByPath[theirRec.Filepath]
		if have && local.Version >= theirRec.Version {
			continue
		}
		sem <- struct{}{}
		go func(rec metadata.FileRecord) {
			defer func() { <-sem }()
			e.pullFile(peer, rec)
		}(theirRec)
	}
	for i := 0; i < cap(sem); i++ {
		sem <- struct{}{}
	}
}

// pullFile requests the current body of rec.Filepath from peer and applies
// it locally, the pull-side counterpart of ApplyInboundSync.
func (e *Engine) pullFile(peer cluster.Peer, rec metadata.FileRecord) {
	conn, err := net.DialTimeout("tcp", peer.Address, e.cfg.DialTimeout)
	if err != nil {
		e.log.WithField("peer", peer.NodeID).WithError(err).Debug("pull: dial peer")
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(e.cfg.DialTimeout))

	msg, err := protocol.New(protocol.TypeSync, protocol.ActionRequestFile, rec.Filepath, e.cfg.NodeID, requestFileContent{Filepath: rec.Filepath})
	if err != nil {
		return
	}
	if err := protocol.WriteFrame(conn, msg); err != nil {
		e.log.WithField("peer", peer.NodeID).WithError(err).Warn("pull: send request_file")
		return
	}
	resp, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		e.log.WithField("peer", peer.NodeID).WithError(err).Warn("pull: read request_file response")
		return
	}
	syncResp := e.ApplyInboundSync(resp)
	if !syncResp.Success {
		e.log.WithField("peer", peer.NodeID).WithField("file", rec.Filepath).Warn("pull: apply failed: " + syncResp.Message)
	}
}

// HandleSyncMetadata answers an inbound sync/sync_metadata request with our
// own active-record set, per spec.md §4.7(c).
func (e *Engine) HandleSyncMetadata(msg *protocol.Message) *protocol.Message {
	mine, err := e.meta.AllActive()
	if err != nil {
		return errorResponse(distfserr.KindWriteFailed, "read local active set")
	}
	wireRecords := make([]syncFileRecordWire, len(mine))
	for i, r := range mine {
		wireRecords[i] = toWire(r)
	}
	resp, _ := protocol.New(protocol.TypeResponse, protocol.ActionOK, "", e.cfg.NodeID, metadataSetContent{Records: wireRecords})
	return resp
}

// HandleRequestFile answers an inbound sync/request_file by building a
// sync_file-shaped response carrying the current metadata and body.
func (e *Engine) HandleRequestFile(msg *protocol.Message) *protocol.Message {
	var req requestFileContent
	_ = json.Unmarshal(msg.Content, &req)

	rec, ok, err := e.meta.Get(req.Filepath)
	if err != nil || !ok {
		return errorResponse(distfserr.KindNotFound, req.Filepath)
	}
	content := syncFileContent{Metadata: toWire(rec)}
	if !rec.IsDeleted {
		body, err := e.local.Read(rec.Filepath)
		if err != nil {
			return errorResponse(distfserr.KindOf(err), req.Filepath)
		}
		content.Data = body
	}
	resp, _ := protocol.New(protocol.TypeResponse, protocol.ActionOK, req.Filepath, e.cfg.NodeID, content)
	return resp
}

func errorResponse(kind distfserr.Kind, msg string) *protocol.Message {
	resp, _ := protocol.New(protocol.TypeResponse, protocol.ActionError, "", "", protocol.ResponseBody{
		Success: false, Message: string(kind) + ": " + msg,
	})
	return resp
}
