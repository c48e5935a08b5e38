// Package store implements the local replica: the embedded keyed store of
// replicated business records, each carrying a sync-status envelope, plus
// the pull checkpoint. Domain writes go through Put/Delete, which pair the
// record update with exactly one coalesced mutation-log entry in the same
// transaction.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/shopsync/internal/queue"
	_ "modernc.org/sqlite"
)

// SyncStatus is the envelope state of a replicated record.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusFailed   SyncStatus = "failed"
	StatusConflict SyncStatus = "conflict"
)

// Tables lists the replicated tables in this deployment.
var Tables = []string{"products", "customers", "sales", "devices", "batches"}

// tablePriority gives each table's default push priority. Sales money
// movements go first; reference data can wait.
var tablePriority = map[string]int{
	"sales":     10,
	"products":  8,
	"devices":   7,
	"batches":   6,
	"customers": 5,
}

// IsReplicatedTable reports whether the table participates in sync.
func IsReplicatedTable(table string) bool {
	_, ok := tablePriority[table]
	return ok
}

// PriorityFor returns the default push priority for a table.
func PriorityFor(table string) int {
	if p, ok := tablePriority[table]; ok {
		return p
	}
	return 5
}

// Envelope is the sync metadata attached to every replicated record.
type Envelope struct {
	SyncStatus      SyncStatus
	ClientCreatedAt time.Time
	ClientUpdatedAt time.Time
	ServerSyncedAt  *time.Time
	SyncAttempts    int
	LastSyncError   string
	ConflictData    json.RawMessage
	Version         int64
	Deleted         bool
}

// Record is a replicated row: business payload plus envelope.
type Record struct {
	Table    string
	ID       string
	Data     json.RawMessage
	Envelope Envelope
}

// Store wraps the replica database.
type Store struct {
	conn *sql.DB
	path string
}

const dbFile = ".shopsync/replica.db"

// Open opens (creating if needed) the replica database under baseDir and
// runs schema setup for the record tables, the checkpoint row, and the
// mutation log.
func Open(baseDir string) (*Store, error) {
	path := filepath.Join(baseDir, dbFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open replica db: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, table := range Tables {
		_, err := s.conn.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id                TEXT PRIMARY KEY,
				data              JSON NOT NULL,
				sync_status       TEXT NOT NULL DEFAULT 'pending',
				client_created_at DATETIME NOT NULL,
				client_updated_at DATETIME NOT NULL,
				server_synced_at  DATETIME,
				sync_attempts     INTEGER NOT NULL DEFAULT 0,
				last_sync_error   TEXT,
				conflict_data     JSON,
				version           INTEGER NOT NULL DEFAULT 1,
				deleted           INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(sync_status);
		`, table, table, table))
		if err != nil {
			return fmt.Errorf("init table %s: %w", table, err)
		}
	}

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS sync_state (
			id                  INTEGER PRIMARY KEY CHECK (id = 1),
			last_sync_timestamp DATETIME,
			cursor              TEXT
		);
		INSERT OR IGNORE INTO sync_state (id) VALUES (1);
	`)
	if err != nil {
		return fmt.Errorf("init sync_state: %w", err)
	}

	return queue.Init(s.conn)
}

// Conn exposes the underlying handle for transaction orchestration.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Close closes the replica database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Put applies a domain write: upserts the record with envelope pending and
// enqueues one coalesced mutation. The operation is create when the record
// does not exist locally, update otherwise.
func (s *Store) Put(table, id string, data json.RawMessage) error {
	if !IsReplicatedTable(table) {
		return fmt.Errorf("unknown table: %q", table)
	}
	if id == "" {
		return fmt.Errorf("empty record id for table %s", table)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := GetTx(tx, table, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	op := queue.OpCreate
	if existing != nil {
		op = queue.OpUpdate
		_, err = tx.Exec(fmt.Sprintf(
			`UPDATE %s SET data = ?, sync_status = 'pending', client_updated_at = ?,
			        last_sync_error = NULL, version = version + 1, deleted = 0
			 WHERE id = ?`, table),
			[]byte(data), now.Format(time.RFC3339Nano), id,
		)
	} else {
		_, err = tx.Exec(fmt.Sprintf(
			`INSERT INTO %s (id, data, sync_status, client_created_at, client_updated_at)
			 VALUES (?, ?, 'pending', ?, ?)`, table),
			id, []byte(data), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", table, id, err)
	}

	err = queue.Enqueue(tx, queue.Item{
		Table:     table,
		Operation: op,
		RecordID:  id,
		Payload:   data,
		Priority:  PriorityFor(table),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Delete applies a domain delete: the row becomes a pending tombstone and
// a delete mutation is enqueued. Unknown records are a no-op.
func (s *Store) Delete(table, id string) error {
	if !IsReplicatedTable(table) {
		return fmt.Errorf("unknown table: %q", table)
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := GetTx(tx, table, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	now := time.Now().UTC()
	_, err = tx.Exec(fmt.Sprintf(
		`UPDATE %s SET deleted = 1, sync_status = 'pending', client_updated_at = ?,
		        version = version + 1
		 WHERE id = ?`, table),
		now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", table, id, err)
	}

	err = queue.Enqueue(tx, queue.Item{
		Table:     table,
		Operation: queue.OpDelete,
		RecordID:  id,
		Priority:  PriorityFor(table),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns the record, or nil when absent.
func (s *Store) Get(table, id string) (*Record, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	rec, err := GetTx(tx, table, id)
	if err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

// ListByStatus returns all records in the given envelope state across every
// replicated table.
func (s *Store) ListByStatus(status SyncStatus) ([]Record, error) {
	var out []Record
	for _, table := range Tables {
		rows, err := s.conn.Query(fmt.Sprintf(
			`SELECT id, data, sync_status, client_created_at, client_updated_at,
			        server_synced_at, sync_attempts, last_sync_error, conflict_data, version, deleted
			 FROM %s WHERE sync_status = ? ORDER BY client_updated_at ASC`, table),
			string(status),
		)
		if err != nil {
			return nil, fmt.Errorf("list %s by status: %w", table, err)
		}
		recs, err := scanRecords(rows, table)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// CountByStatus returns per-status record counts across all tables.
func (s *Store) CountByStatus() (map[SyncStatus]int64, error) {
	counts := make(map[SyncStatus]int64)
	for _, table := range Tables {
		rows, err := s.conn.Query(fmt.Sprintf(
			`SELECT sync_status, COUNT(*) FROM %s GROUP BY sync_status`, table))
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		for rows.Next() {
			var st string
			var n int64
			if err := rows.Scan(&st, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan count: %w", err)
			}
			counts[SyncStatus(st)] += n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("rows iteration: %w", err)
		}
		rows.Close()
	}
	return counts, nil
}

// GetTx reads a record inside the caller's transaction. Returns nil when
// the row does not exist.
func GetTx(tx *sql.Tx, table, id string) (*Record, error) {
	if !IsReplicatedTable(table) {
		return nil, fmt.Errorf("unknown table: %q", table)
	}
	rows, err := tx.Query(fmt.Sprintf(
		`SELECT id, data, sync_status, client_created_at, client_updated_at,
		        server_synced_at, sync_attempts, last_sync_error, conflict_data, version, deleted
		 FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows, table)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// SetStatusTx transitions the envelope state of a record.
func SetStatusTx(tx *sql.Tx, table, id string, status SyncStatus) error {
	_, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET sync_status = ? WHERE id = ?`, table),
		string(status), id)
	if err != nil {
		return fmt.Errorf("set status %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkSyncedTx confirms server acceptance. Only a record still in syncing
// transitions; a record re-modified mid-flight stays pending so the newer
// local value pushes next cycle.
func MarkSyncedTx(tx *sql.Tx, table, id string, serverTime time.Time) error {
	_, err := tx.Exec(fmt.Sprintf(
		`UPDATE %s SET sync_status = 'synced', server_synced_at = ?,
		        sync_attempts = 0, last_sync_error = NULL, conflict_data = NULL
		 WHERE id = ? AND sync_status = 'syncing'`, table),
		serverTime.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("mark synced %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkSyncErrorTx records a push failure on the envelope. Terminal moves
// the record to failed; otherwise it returns to pending for the retry.
func MarkSyncErrorTx(tx *sql.Tx, table, id, cause string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	_, err := tx.Exec(fmt.Sprintf(
		`UPDATE %s SET sync_status = ?, sync_attempts = sync_attempts + 1, last_sync_error = ?
		 WHERE id = ?`, table),
		string(status), cause, id,
	)
	if err != nil {
		return fmt.Errorf("mark sync error %s/%s: %w", table, id, err)
	}
	return nil
}

// MarkConflictTx parks a record in manual-conflict state with the server's
// copy stored alongside for the operator.
func MarkConflictTx(tx *sql.Tx, table, id string, serverData json.RawMessage) error {
	_, err := tx.Exec(fmt.Sprintf(
		`UPDATE %s SET sync_status = 'conflict', conflict_data = ? WHERE id = ?`, table),
		[]byte(serverData), id,
	)
	if err != nil {
		return fmt.Errorf("mark conflict %s/%s: %w", table, id, err)
	}
	return nil
}

// ApplyServerTx overwrites a record with the server's value and marks it
// synced. Creates the row when it does not exist locally.
func ApplyServerTx(tx *sql.Tx, table, id string, data json.RawMessage, serverTime time.Time) error {
	if !IsReplicatedTable(table) {
		return fmt.Errorf("unknown table: %q", table)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(fmt.Sprintf(
		`INSERT INTO %s (id, data, sync_status, client_created_at, client_updated_at, server_synced_at, version)
		 VALUES (?, ?, 'synced', ?, ?, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET
		   data = excluded.data, sync_status = 'synced',
		   server_synced_at = excluded.server_synced_at,
		   sync_attempts = 0, last_sync_error = NULL, conflict_data = NULL,
		   deleted = 0, version = version + 1`, table),
		id, []byte(data), now, now, serverTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("apply server %s/%s: %w", table, id, err)
	}
	return nil
}

// DeleteTx removes a record outright (server-driven delete).
func DeleteTx(tx *sql.Tx, table, id string) error {
	if !IsReplicatedTable(table) {
		return fmt.Errorf("unknown table: %q", table)
	}
	_, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

// RemapIDTx renames a record to the server-assigned canonical id, updating
// both the row and any still-pending queue items in one step.
func RemapIDTx(tx *sql.Tx, table, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	// The canonical id may already exist locally from a pull; drop the
	// provisional row in that case rather than violate the primary key.
	var exists int
	err := tx.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), newID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("remap check %s/%s: %w", table, newID, err)
	}
	if exists > 0 {
		if err := DeleteTx(tx, table, oldID); err != nil {
			return err
		}
	} else {
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET id = ? WHERE id = ?`, table), newID, oldID)
		if err != nil {
			return fmt.Errorf("remap %s %s -> %s: %w", table, oldID, newID, err)
		}
	}
	return queue.RemapRecordID(tx, table, oldID, newID)
}

// checkpointFormat is fixed-width so SQLite string comparison orders
// timestamps correctly.
const checkpointFormat = "2006-01-02T15:04:05.000000000Z"

// Checkpoint returns the pull lower bound and resume cursor. A zero time
// means no pull has completed yet.
func (s *Store) Checkpoint() (time.Time, string, error) {
	var ts, cursor sql.NullString
	err := s.conn.QueryRow(`SELECT last_sync_timestamp, cursor FROM sync_state WHERE id = 1`).
		Scan(&ts, &cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("read checkpoint: %w", err)
	}
	var t time.Time
	if ts.Valid && ts.String != "" {
		t, err = time.Parse(checkpointFormat, ts.String)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("parse checkpoint: %w", err)
		}
	}
	return t, cursor.String, nil
}

// AdvanceCheckpointTx moves the checkpoint forward. A timestamp at or
// before the current checkpoint is ignored: the checkpoint never moves
// backwards.
func AdvanceCheckpointTx(tx *sql.Tx, ts time.Time, cursor string) error {
	stamp := ts.UTC().Format(checkpointFormat)
	_, err := tx.Exec(
		`UPDATE sync_state
		 SET last_sync_timestamp = ?, cursor = ?
		 WHERE id = 1 AND (last_sync_timestamp IS NULL OR last_sync_timestamp < ?)`,
		stamp, cursor, stamp,
	)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows, table string) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec                  Record
			data, conflictData   []byte
			createdAt, updatedAt string
			syncedAt             sql.NullString
			lastErr              sql.NullString
			status               string
			deleted              int
		)
		err := rows.Scan(&rec.ID, &data, &status, &createdAt, &updatedAt,
			&syncedAt, &rec.Envelope.SyncAttempts, &lastErr, &conflictData,
			&rec.Envelope.Version, &deleted)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", table, err)
		}
		rec.Table = table
		rec.Data = json.RawMessage(data)
		rec.Envelope.SyncStatus = SyncStatus(status)
		rec.Envelope.Deleted = deleted != 0
		if lastErr.Valid {
			rec.Envelope.LastSyncError = lastErr.String
		}
		if len(conflictData) > 0 {
			rec.Envelope.ConflictData = json.RawMessage(conflictData)
		}
		if rec.Envelope.ClientCreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at %s/%s: %w", table, rec.ID, err)
		}
		if rec.Envelope.ClientUpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at %s/%s: %w", table, rec.ID, err)
		}
		if syncedAt.Valid && syncedAt.String != "" {
			t, err := parseTimestamp(syncedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse server_synced_at %s/%s: %w", table, rec.ID, err)
			}
			rec.Envelope.ServerSyncedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// parseTimestamp tries the timestamp formats SQLite hands back.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
