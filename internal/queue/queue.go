// Package queue implements the durable local mutation log: every local
// create/update/delete on a replicated record lands here as exactly one
// pending item, and the push processor drains it in priority order.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

// Operation is the mutation kind carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// timeFormat is fixed-width so stored timestamps compare correctly as
// text in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Backoff parameters for item-level retry scheduling.
const (
	DefaultMaxAttempts = 5
	backoffBase        = 1 * time.Second
	backoffCap         = 30 * time.Second
	backoffJitter      = 1 * time.Second
)

// Item is a single queued mutation.
type Item struct {
	ID          int64
	Table       string
	Operation   Operation
	RecordID    string
	Payload     json.RawMessage
	Priority    int
	EnqueuedAt  time.Time
	Attempts    int
	MaxAttempts int
	NextRetryAt *time.Time
	LastError   string
	Status      Status
}

// Terminal reports whether the item has exhausted its retry budget.
func (it Item) Terminal() bool {
	return it.Status == StatusFailed && it.NextRetryAt == nil
}

// Init creates the sync_queue table and its indexes.
func Init(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_queue (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name    TEXT NOT NULL,
			operation     TEXT NOT NULL,
			record_id     TEXT NOT NULL,
			payload       JSON,
			priority      INTEGER NOT NULL DEFAULT 5,
			enqueued_at   DATETIME NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL DEFAULT 5,
			next_retry_at DATETIME,
			last_error    TEXT,
			status        TEXT NOT NULL DEFAULT 'pending'
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(table_name, record_id);
	`)
	if err != nil {
		return fmt.Errorf("init sync_queue: %w", err)
	}
	return nil
}

// coalesceOp decides the operation for a queue item that absorbs a newer
// local mutation on the same record.
func coalesceOp(old, next Operation) Operation {
	switch {
	case next == OpDelete:
		return OpDelete
	case old == OpCreate:
		// The server has never seen the record, so it is still a create.
		return OpCreate
	case old == OpDelete && next == OpCreate:
		// Delete never pushed; recreating locally is an update server-side.
		return OpUpdate
	default:
		return next
	}
}

// mergePayload overlays next on top of old, key by key. Non-object payloads
// (deletes carry none) fall back to next.
func mergePayload(old, next json.RawMessage) json.RawMessage {
	if len(old) == 0 {
		return next
	}
	if len(next) == 0 {
		return old
	}
	var base, overlay map[string]any
	if err := json.Unmarshal(old, &base); err != nil {
		return next
	}
	if err := json.Unmarshal(next, &overlay); err != nil {
		return next
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return next
	}
	return merged
}

// Enqueue records a mutation inside the caller's transaction. A pending or
// failed item for the same (table, record) is coalesced in place rather
// than duplicated: payloads merge, the higher priority wins, the original
// enqueue time is kept, and retry state resets since the newer local write
// supersedes whatever failed before. An item already claimed as processing
// is never touched; the new mutation gets its own pending row, which the
// next cycle picks up after the in-flight one completes.
func Enqueue(tx *sql.Tx, item Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}

	var (
		existingID  int64
		existingOp  string
		existingPri int
		existingPay []byte
	)
	err := tx.QueryRow(
		`SELECT id, operation, priority, payload FROM sync_queue
		 WHERE table_name = ? AND record_id = ? AND status != 'processing'
		 ORDER BY id DESC LIMIT 1`,
		item.Table, item.RecordID,
	).Scan(&existingID, &existingOp, &existingPri, &existingPay)
	switch {
	case err == sql.ErrNoRows:
		_, err := tx.Exec(
			`INSERT INTO sync_queue (table_name, operation, record_id, payload, priority, enqueued_at, max_attempts, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending')`,
			item.Table, item.Operation, item.RecordID, []byte(item.Payload),
			item.Priority, item.EnqueuedAt.UTC().Format(timeFormat), item.MaxAttempts,
		)
		if err != nil {
			return fmt.Errorf("enqueue %s/%s: %w", item.Table, item.RecordID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup queued mutation %s/%s: %w", item.Table, item.RecordID, err)
	}

	op := coalesceOp(Operation(existingOp), item.Operation)
	payload := item.Payload
	if op != OpDelete {
		payload = mergePayload(existingPay, item.Payload)
	} else {
		payload = nil
	}
	pri := item.Priority
	if existingPri > pri {
		pri = existingPri
	}

	_, err = tx.Exec(
		`UPDATE sync_queue
		 SET operation = ?, payload = ?, priority = ?,
		     attempts = 0, next_retry_at = NULL, last_error = NULL, status = 'pending'
		 WHERE id = ?`,
		op, []byte(payload), pri, existingID,
	)
	if err != nil {
		return fmt.Errorf("coalesce mutation %s/%s: %w", item.Table, item.RecordID, err)
	}
	return nil
}

// Due returns items eligible for the next push batch: pending items plus
// failed items whose retry time has come, ordered by priority descending
// then enqueue time ascending.
func Due(tx *sql.Tx, now time.Time, limit int) ([]Item, error) {
	rows, err := tx.Query(
		`SELECT id, table_name, operation, record_id, payload, priority,
		        enqueued_at, attempts, max_attempts, next_retry_at, last_error, status
		 FROM sync_queue
		 WHERE status = 'pending'
		    OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		 ORDER BY priority DESC, enqueued_at ASC, id ASC
		 LIMIT ?`,
		now.UTC().Format(timeFormat), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Claim marks the given items as processing so a concurrent enqueue or a
// second cycle cannot pick them up.
func Claim(tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE sync_queue SET status = 'processing' WHERE id = ?`, id); err != nil {
			return fmt.Errorf("claim item %d: %w", id, err)
		}
	}
	return nil
}

// Release puts claimed items back to pending without touching their retry
// state. Used when a batch fails for authentication reasons so the items
// retry transparently after re-login.
func Release(tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		_, err := tx.Exec(
			`UPDATE sync_queue SET status = 'pending' WHERE id = ? AND status = 'processing'`, id)
		if err != nil {
			return fmt.Errorf("release item %d: %w", id, err)
		}
	}
	return nil
}

// Complete removes an item after confirmed server acceptance.
func Complete(tx *sql.Tx, id int64) error {
	if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete item %d: %w", id, err)
	}
	return nil
}

// RetryDelay computes the backoff before attempt n retries:
// min(base * 2^n, cap) plus up to one second of jitter.
func RetryDelay(attempts int) time.Duration {
	d := backoffBase << uint(attempts)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d + time.Duration(rand.Int63n(int64(backoffJitter)))
}

// Fail records a per-item server error. Below the attempt budget the item
// is marked failed with a scheduled retry; at the budget it becomes
// terminal (no next_retry_at) and waits for operator action.
func Fail(tx *sql.Tx, item Item, cause string, now time.Time) (Item, error) {
	item.Attempts++
	item.LastError = cause
	item.Status = StatusFailed

	if item.Attempts >= item.MaxAttempts {
		item.NextRetryAt = nil
		_, err := tx.Exec(
			`UPDATE sync_queue
			 SET status = 'failed', attempts = ?, next_retry_at = NULL, last_error = ?
			 WHERE id = ?`,
			item.Attempts, cause, item.ID,
		)
		if err != nil {
			return item, fmt.Errorf("fail item %d terminally: %w", item.ID, err)
		}
		return item, nil
	}

	retryAt := now.UTC().Add(RetryDelay(item.Attempts))
	item.NextRetryAt = &retryAt
	_, err := tx.Exec(
		`UPDATE sync_queue
		 SET status = 'failed', attempts = ?, next_retry_at = ?, last_error = ?
		 WHERE id = ?`,
		item.Attempts, retryAt.Format(timeFormat), cause, item.ID,
	)
	if err != nil {
		return item, fmt.Errorf("fail item %d: %w", item.ID, err)
	}
	return item, nil
}

// Requeue resets an item for the given record to pending with a fresh
// attempt budget. Used by client-wins conflict resolution; creates the
// item if none exists (the original may already have been consumed).
func Requeue(tx *sql.Tx, table, recordID string, op Operation, payload json.RawMessage, priority int) error {
	res, err := tx.Exec(
		`UPDATE sync_queue
		 SET operation = ?, payload = ?, attempts = 0, next_retry_at = NULL,
		     last_error = NULL, status = 'pending'
		 WHERE table_name = ? AND record_id = ?`,
		op, []byte(payload), table, recordID,
	)
	if err != nil {
		return fmt.Errorf("requeue %s/%s: %w", table, recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue %s/%s: %w", table, recordID, err)
	}
	if n == 0 {
		return Enqueue(tx, Item{
			Table:     table,
			Operation: op,
			RecordID:  recordID,
			Payload:   payload,
			Priority:  priority,
		})
	}
	return nil
}

// Remove drops any queued mutation for the record. Used by server-wins
// conflict resolution.
func Remove(tx *sql.Tx, table, recordID string) error {
	_, err := tx.Exec(`DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?`, table, recordID)
	if err != nil {
		return fmt.Errorf("remove queued mutation %s/%s: %w", table, recordID, err)
	}
	return nil
}

// RemapRecordID renames the record reference on not-yet-pushed items after
// the server assigns a different canonical id.
func RemapRecordID(tx *sql.Tx, table, oldID, newID string) error {
	_, err := tx.Exec(
		`UPDATE sync_queue SET record_id = ? WHERE table_name = ? AND record_id = ?`,
		newID, table, oldID,
	)
	if err != nil {
		return fmt.Errorf("remap %s %s -> %s: %w", table, oldID, newID, err)
	}
	return nil
}

// Log provides whole-queue operations over the shared database handle.
type Log struct {
	db *sql.DB
}

// NewLog wraps the replica database handle.
func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// PendingCount counts items that still need a push (pending plus failed
// items that are not terminal).
func (l *Log) PendingCount() (int64, error) {
	var n int64
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM sync_queue
		 WHERE status IN ('pending', 'processing')
		    OR (status = 'failed' AND next_retry_at IS NOT NULL)`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// TerminalCount counts items that exhausted their retry budget.
func (l *Log) TerminalCount() (int64, error) {
	var n int64
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE status = 'failed' AND next_retry_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count terminal: %w", err)
	}
	return n, nil
}

// List returns all items, optionally filtered by status, in queue order.
func (l *Log) List(status Status) ([]Item, error) {
	q := `SELECT id, table_name, operation, record_id, payload, priority,
	             enqueued_at, attempts, max_attempts, next_retry_at, last_error, status
	      FROM sync_queue`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY priority DESC, enqueued_at ASC, id ASC`

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ResetFailed puts terminally failed items back in play with a fresh
// attempt budget. Returns the number of items reset.
func (l *Log) ResetFailed() (int64, error) {
	res, err := l.db.Exec(
		`UPDATE sync_queue
		 SET status = 'pending', attempts = 0, next_retry_at = NULL, last_error = NULL
		 WHERE status = 'failed' AND next_retry_at IS NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed items: %w", err)
	}
	return res.RowsAffected()
}

// ClearFailed permanently drops terminally failed items. Returns the
// number of items removed.
func (l *Log) ClearFailed() (int64, error) {
	res, err := l.db.Exec(
		`DELETE FROM sync_queue WHERE status = 'failed' AND next_retry_at IS NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("clear failed items: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseStale returns processing items to pending. Called at startup to
// recover items orphaned by a crash mid-push.
func (l *Log) ReleaseStale() (int64, error) {
	res, err := l.db.Exec(`UPDATE sync_queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("release stale items: %w", err)
	}
	return res.RowsAffected()
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var (
			it            Item
			payload       []byte
			enqueuedAt    string
			nextRetry     sql.NullString
			lastErr       sql.NullString
			op, status    string
		)
		if err := rows.Scan(&it.ID, &it.Table, &op, &it.RecordID, &payload, &it.Priority,
			&enqueuedAt, &it.Attempts, &it.MaxAttempts, &nextRetry, &lastErr, &status); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Operation = Operation(op)
		it.Status = Status(status)
		it.Payload = json.RawMessage(payload)
		ts, err := parseTimestamp(enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parse enqueued_at item=%d: %w", it.ID, err)
		}
		it.EnqueuedAt = ts
		if nextRetry.Valid && nextRetry.String != "" {
			rt, err := parseTimestamp(nextRetry.String)
			if err != nil {
				return nil, fmt.Errorf("parse next_retry_at item=%d: %w", it.ID, err)
			}
			it.NextRetryAt = &rt
		}
		if lastErr.Valid {
			it.LastError = lastErr.String
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return items, nil
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
