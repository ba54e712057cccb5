// Package metadata implements the durable, single-writer Metadata Store of
// spec.md §4.3: a file-records table plus an append-only sync log, backed
// by SQLite. Writers are serialized through one in-process mutex (mirroring
// the "database is locked" contention the teacher's SQL-adjacent store
// design note in spec.md §9 calls out); reads do not take that lock, but
// share the store's single database connection with writers.
package metadata

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"

	"distfs/internal/distfserr"
)

// LastOperation enumerates the operation that produced a FileRecord revision.
type LastOperation string

const (
	OpCreate LastOperation = "create"
	OpModify LastOperation = "modify"
	OpDelete LastOperation = "delete"
	OpMkdir  LastOperation = "mkdir"
)

// FileRecord is one row of the files table (spec.md §3).
type FileRecord struct {
	Filepath         string
	Checksum         string
	Size             int64
	Version          int64
	ModifiedTime     float64
	CreatedTime      float64
	OriginatingNode  string
	LastOperation    LastOperation
	IsDeleted        bool
}

// SyncStatus is the lifecycle state of a SyncLogEntry.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncLogEntry is one row of the sync_log table (spec.md §3).
type SyncLogEntry struct {
	ID           int64
	SyncID       string
	SourceNode   string
	TargetNode   string
	Filepath     string
	Action       string
	Timestamp    float64
	Status       SyncStatus
	ErrorMessage string
}

// Stats summarizes the store's contents, used in heartbeat payloads.
type Stats struct {
	TotalRecords   int64
	ActiveRecords  int64
	DeletedRecords int64
	PendingSyncs   int64
}

// Store is the Metadata Store. All write operations serialize through mu;
// reads use db directly without taking mu; db is limited to one open
// connection, so a read waits while a write transaction holds it.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	log    *logrus.Entry
}

// Open opens (creating if needed) the SQLite-backed metadata database at
// path and ensures its schema exists. A crash between statements in a
// transaction leaves no partial record visible, since each mutation here
// runs inside its own transaction.
func Open(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, distfserr.Wrap(distfserr.KindFatal, "open metadata database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers internally; one conn avoids lock contention noise
	s := &Store{db: db, log: log.WithField("component", "metadata")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			filepath TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			size INTEGER NOT NULL,
			version INTEGER NOT NULL,
			modified_time REAL NOT NULL,
			created_time REAL NOT NULL,
			originating_node_id TEXT NOT NULL,
			last_operation TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sync_id TEXT NOT NULL,
			source_node TEXT NOT NULL,
			target_node TEXT NOT NULL,
			filepath TEXT NOT NULL,
			action TEXT NOT NULL,
			timestamp REAL NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_status ON sync_log(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return distfserr.Wrap(distfserr.KindFatal, "migrate schema", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the record by filepath. A write whose version
// is <= the existing version is rejected with KindStale (Invariant 1).
func (s *Store) Upsert(r FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return distfserr.Wrap(distfserr.KindWriteFailed, "begin upsert transaction", err)
	}
	defer tx.Rollback()

	var existingVersion sql.NullInt64
	err = tx.QueryRow(`SELECT version FROM files WHERE filepath = ?`, r.Filepath).Scan(&existingVersion)
	if err != nil && err != sql.ErrNoRows {
		return distfserr.Wrap(distfserr.KindWriteFailed, "read existing version", err)
	}
	if existingVersion.Valid && r.Version <= existingVersion.Int64 {
		return distfserr.New(distfserr.KindStale, fmt.Sprintf("version %d is not newer than existing %d", r.Version, existingVersion.Int64))
	}

	_, err = tx.Exec(`
		INSERT INTO files (filepath, checksum, size, version, modified_time, created_time, originating_node_id, last_operation, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(filepath) DO UPDATE SET
			checksum=excluded.checksum, size=excluded.size, version=excluded.version,
			modified_time=excluded.modified_time, originating_node_id=excluded.originating_node_id,
			last_operation=excluded.last_operation, is_deleted=excluded.is_deleted`,
		r.Filepath, r.Checksum, r.Size, r.Version, r.ModifiedTime, r.CreatedTime, r.OriginatingNode, string(r.LastOperation), boolToInt(r.IsDeleted),
	)
	if err != nil {
		return distfserr.Wrap(distfserr.KindWriteFailed, "upsert record", err)
	}
	if err := tx.Commit(); err != nil {
		return distfserr.Wrap(distfserr.KindWriteFailed, "commit upsert", err)
	}
	return nil
}

// Get returns the record for filepath, or (FileRecord{}, false) if none.
func (s *Store) Get(filepath string) (FileRecord, bool, error) {
	row := s.db.QueryRow(`SELECT filepath, checksum, size, version, modified_time, created_time, originating_node_id, last_operation, is_deleted FROM files WHERE filepath = ?`, filepath)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, distfserr.Wrap(distfserr.KindWriteFailed, "get record", err)
	}
	return r, true, nil
}

// AllActive returns every record with is_deleted=false, used for metadata
// diffs during reconnect reconciliation.
func (s *Store) AllActive() ([]FileRecord, error) {
	rows, err := s.db.Query(`SELECT filepath, checksum, size, version, modified_time, created_time, originating_node_id, last_operation, is_deleted FROM files WHERE is_deleted = 0`)
	if err != nil {
		return nil, distfserr.Wrap(distfserr.KindWriteFailed, "query active records", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, distfserr.Wrap(distfserr.KindWriteFailed, "scan active record", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FileRecord, error) {
	var r FileRecord
	var lastOp string
	var isDeleted int
	err := row.Scan(&r.Filepath, &r.Checksum, &r.Size, &r.Version, &r.ModifiedTime, &r.CreatedTime, &r.OriginatingNode, &lastOp, &isDeleted)
	if err != nil {
		return FileRecord{}, err
	}
	r.LastOperation = LastOperation(lastOp)
	r.IsDeleted = isDeleted != 0
	return r, nil
}

// NextVersion returns the existing version + 1, or 1 if filepath is unknown.
func (s *Store) NextVersion(filepath string) (int64, error) {
	rec, ok, err := s.Get(filepath)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return rec.Version + 1, nil
}

// AppendSync appends a new SyncLogEntry, generating a sync_id if e.SyncID
// is empty, and returns the assigned row id.
func (s *Store) AppendSync(e SyncLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.SyncID == "" {
		e.SyncID = uuid.NewString()
	}
	res, err := s.db.Exec(`
		INSERT INTO sync_log (sync_id, source_node, target_node, filepath, action, timestamp, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SyncID, e.SourceNode, e.TargetNode, e.Filepath, e.Action, e.Timestamp, string(e.Status), e.ErrorMessage,
	)
	if err != nil {
		return 0, distfserr.Wrap(distfserr.KindWriteFailed, "append sync log entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, distfserr.Wrap(distfserr.KindWriteFailed, "read sync log id", err)
	}
	return id, nil
}

// ResolveSync transitions a pending SyncLogEntry to success or failed.
func (s *Store) ResolveSync(syncID string, status SyncStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE sync_log SET status = ?, error_message = ? WHERE sync_id = ? AND status = ?`,
		string(status), errMsg, syncID, string(SyncPending))
	if err != nil {
		return distfserr.Wrap(distfserr.KindWriteFailed, "resolve sync log entry", err)
	}
	return nil
}

// PendingOlderThan returns pending sync log entries older than the given
// horizon, used to enforce Invariant 4 (every pending entry eventually
// resolves).
func (s *Store) PendingOlderThan(horizon time.Duration, now time.Time) ([]SyncLogEntry, error) {
	cutoff := float64(now.Add(-horizon).UnixNano()) / 1e9
	rows, err := s.db.Query(`SELECT id, sync_id, source_node, target_node, filepath, action, timestamp, status, error_message FROM sync_log WHERE status = ? AND timestamp < ?`, string(SyncPending), cutoff)
	if err != nil {
		return nil, distfserr.Wrap(distfserr.KindWriteFailed, "query pending sync entries", err)
	}
	defer rows.Close()

	var out []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var status string
		if err := rows.Scan(&e.ID, &e.SyncID, &e.SourceNode, &e.TargetNode, &e.Filepath, &e.Action, &e.Timestamp, &status, &e.ErrorMessage); err != nil {
			return nil, distfserr.Wrap(distfserr.KindWriteFailed, "scan sync entry", err)
		}
		e.Status = SyncStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats totals records and pending syncs for heartbeat payloads.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_deleted=0 THEN 1 ELSE 0 END),0), COALESCE(SUM(CASE WHEN is_deleted=1 THEN 1 ELSE 0 END),0) FROM files`).
		Scan(&st.TotalRecords, &st.ActiveRecords, &st.DeletedRecords)
	if err != nil {
		return Stats{}, distfserr.Wrap(distfserr.KindWriteFailed, "compute file stats", err)
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM sync_log WHERE status = ?`, string(SyncPending)).Scan(&st.PendingSyncs)
	if err != nil {
		return Stats{}, distfserr.Wrap(distfserr.KindWriteFailed, "compute sync stats", err)
	}
	return st, nil
}

// Vacuum compacts the database. Optional per spec.md §4.3; nothing in the
// daemon or in distfsctl calls it, and no background timer runs it.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return distfserr.Wrap(distfserr.KindWriteFailed, "vacuum", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
