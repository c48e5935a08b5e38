// Package serverdb is the authoritative store behind the reconciliation
// service: replicated records with server last-modified timestamps, the
// client-id idempotency map, the change feed, and the token store.
package serverdb

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so SQLite string comparison orders
// timestamps correctly.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// ServerDB wraps the server database.
type ServerDB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the server database at path.
func Open(path string) (*ServerDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	s := &ServerDB{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ServerDB) init() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			table_name TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       JSON NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (table_name, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);

		CREATE TABLE IF NOT EXISTS client_ids (
			table_name TEXT NOT NULL,
			client_id  TEXT NOT NULL,
			server_id  TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			PRIMARY KEY (table_name, client_id)
		);

		CREATE TABLE IF NOT EXISTS tokens (
			token         TEXT PRIMARY KEY,
			refresh_token TEXT NOT NULL UNIQUE,
			expires_at    TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init server schema: %w", err)
	}
	return nil
}

// Conn exposes the underlying handle for transaction orchestration.
func (s *ServerDB) Conn() *sql.DB {
	return s.conn
}

// Close closes the database.
func (s *ServerDB) Close() error {
	return s.conn.Close()
}

// Outcome is the per-item result of applying one client mutation.
type Outcome struct {
	ServerID   string
	Conflict   bool
	ServerData json.RawMessage
	Err        string // validation-level rejection, empty on success
}

// ApplyItem applies one client mutation idempotently inside the caller's
// transaction.
//
// Replay safety: a create whose client id is already in the idempotency
// map returns the previously assigned server id without re-applying;
// the client may resubmit a batch whose response was lost. Update
// conflicts are detected by comparing the record's server last-modified
// timestamp against the timestamp the client believed was current.
func ApplyItem(tx *sql.Tx, table, clientID, op string, data json.RawMessage, clientTime, now time.Time) (Outcome, error) {
	if clientID == "" {
		return Outcome{Err: "empty clientId"}, nil
	}

	serverID, mapped, err := lookupMapping(tx, table, clientID)
	if err != nil {
		return Outcome{}, err
	}

	switch op {
	case "create":
		if mapped {
			// Replayed create: answer from the map, apply nothing.
			return Outcome{ServerID: serverID}, nil
		}
		if len(data) == 0 {
			return Outcome{Err: "create without data"}, nil
		}

		serverID = clientID
		existing, err := getRecord(tx, table, clientID)
		if err != nil {
			return Outcome{}, err
		}
		if existing != nil && !existing.Deleted {
			// Another client already owns this id; assign a fresh
			// canonical id rather than collide.
			serverID = uuid.NewString()
		}
		if err := upsertRecord(tx, table, serverID, data, now); err != nil {
			return Outcome{}, err
		}
		if err := insertMapping(tx, table, clientID, serverID, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{ServerID: serverID}, nil

	case "update":
		if len(data) == 0 {
			return Outcome{Err: "update without data"}, nil
		}
		if !mapped {
			serverID = clientID
		}
		existing, err := getRecord(tx, table, serverID)
		if err != nil {
			return Outcome{}, err
		}
		if existing == nil || existing.Deleted {
			// Update for an unknown record: accept it as a create so a
			// client that lost the create ack still converges.
			if err := upsertRecord(tx, table, serverID, data, now); err != nil {
				return Outcome{}, err
			}
			return Outcome{ServerID: serverID}, nil
		}
		if existing.UpdatedAt.After(clientTime) {
			return Outcome{ServerID: serverID, Conflict: true, ServerData: existing.Data}, nil
		}
		if err := upsertRecord(tx, table, serverID, data, now); err != nil {
			return Outcome{}, err
		}
		return Outcome{ServerID: serverID}, nil

	case "delete":
		if !mapped {
			serverID = clientID
		}
		existing, err := getRecord(tx, table, serverID)
		if err != nil {
			return Outcome{}, err
		}
		if existing == nil || existing.Deleted {
			// Already gone; deletes are idempotent.
			return Outcome{ServerID: serverID}, nil
		}
		if existing.UpdatedAt.After(clientTime) {
			return Outcome{ServerID: serverID, Conflict: true, ServerData: existing.Data}, nil
		}
		_, err = tx.Exec(
			`UPDATE records SET deleted = 1, updated_at = ? WHERE table_name = ? AND id = ?`,
			now.UTC().Format(timeFormat), table, serverID,
		)
		if err != nil {
			return Outcome{}, fmt.Errorf("delete %s/%s: %w", table, serverID, err)
		}
		return Outcome{ServerID: serverID}, nil

	default:
		return Outcome{Err: fmt.Sprintf("unknown operation %q", op)}, nil
	}
}

type record struct {
	Data      json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
}

func getRecord(tx *sql.Tx, table, id string) (*record, error) {
	var (
		data      []byte
		deleted   int
		updatedAt string
	)
	err := tx.QueryRow(
		`SELECT data, deleted, updated_at FROM records WHERE table_name = ? AND id = ?`,
		table, id,
	).Scan(&data, &deleted, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", table, id, err)
	}
	ts, err := time.Parse(timeFormat, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %s/%s: %w", table, id, err)
	}
	return &record{Data: json.RawMessage(data), Deleted: deleted != 0, UpdatedAt: ts}, nil
}

func upsertRecord(tx *sql.Tx, table, id string, data json.RawMessage, now time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO records (table_name, id, data, deleted, updated_at)
		 VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(table_name, id) DO UPDATE SET
		   data = excluded.data, deleted = 0, updated_at = excluded.updated_at`,
		table, id, []byte(data), now.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", table, id, err)
	}
	return nil
}

func lookupMapping(tx *sql.Tx, table, clientID string) (string, bool, error) {
	var serverID string
	err := tx.QueryRow(
		`SELECT server_id FROM client_ids WHERE table_name = ? AND client_id = ?`,
		table, clientID,
	).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup client id %s/%s: %w", table, clientID, err)
	}
	return serverID, true, nil
}

func insertMapping(tx *sql.Tx, table, clientID, serverID string, now time.Time) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO client_ids (table_name, client_id, server_id, applied_at)
		 VALUES (?, ?, ?, ?)`,
		table, clientID, serverID, now.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert client id %s/%s: %w", table, clientID, err)
	}
	return nil
}

// Change is one entry in the change feed.
type Change struct {
	Table     string
	Operation string // create/update collapse to "update"; tombstones are "delete"
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// cursor is the opaque pagination token: the keyset position of the last
// change handed out.
type cursor struct {
	UpdatedAt string `json:"u"`
	Table     string `json:"t"`
	ID        string `json:"i"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	return c, nil
}

// ChangesSince returns records modified strictly after since, keyset
// paginated. The returned server timestamp is the feed's upper bound and
// becomes the client's next checkpoint.
func (s *ServerDB) ChangesSince(since time.Time, limit int, cursorToken string) ([]Change, time.Time, bool, string, error) {
	if limit <= 0 {
		limit = 500
	}
	serverTS := time.Now().UTC()

	var (
		rows *sql.Rows
		err  error
	)
	if cursorToken != "" {
		c, decErr := decodeCursor(cursorToken)
		if decErr != nil {
			return nil, time.Time{}, false, "", decErr
		}
		rows, err = s.conn.Query(
			`SELECT table_name, id, data, deleted, updated_at FROM records
			 WHERE (updated_at, table_name, id) > (?, ?, ?) AND updated_at <= ?
			 ORDER BY updated_at, table_name, id LIMIT ?`,
			c.UpdatedAt, c.Table, c.ID, serverTS.Format(timeFormat), limit+1,
		)
	} else {
		rows, err = s.conn.Query(
			`SELECT table_name, id, data, deleted, updated_at FROM records
			 WHERE updated_at > ? AND updated_at <= ?
			 ORDER BY updated_at, table_name, id LIMIT ?`,
			since.UTC().Format(timeFormat), serverTS.Format(timeFormat), limit+1,
		)
	}
	if err != nil {
		return nil, time.Time{}, false, "", fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			ch        Change
			data      []byte
			deleted   int
			updatedAt string
		)
		if err := rows.Scan(&ch.Table, &ch.ID, &data, &deleted, &updatedAt); err != nil {
			return nil, time.Time{}, false, "", fmt.Errorf("scan change: %w", err)
		}
		ch.UpdatedAt, err = time.Parse(timeFormat, updatedAt)
		if err != nil {
			return nil, time.Time{}, false, "", fmt.Errorf("parse change timestamp: %w", err)
		}
		if deleted != 0 {
			ch.Operation = "delete"
		} else {
			ch.Operation = "update"
			ch.Data = json.RawMessage(data)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, false, "", fmt.Errorf("rows iteration: %w", err)
	}

	hasMore := len(changes) > limit
	nextCursor := ""
	if hasMore {
		changes = changes[:limit]
		last := changes[len(changes)-1]
		nextCursor = encodeCursor(cursor{
			UpdatedAt: last.UpdatedAt.Format(timeFormat),
			Table:     last.Table,
			ID:        last.ID,
		})
	}
	return changes, serverTS, hasMore, nextCursor, nil
}

// EventCount returns the number of live records, for status output.
func (s *ServerDB) EventCount() (int64, error) {
	var n int64
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
