package queue

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return db
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx func failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func enqueue(t *testing.T, db *sql.DB, item Item) {
	t.Helper()
	inTx(t, db, func(tx *sql.Tx) error { return Enqueue(tx, item) })
}

func dueItems(t *testing.T, db *sql.DB, now time.Time) []Item {
	t.Helper()
	var items []Item
	inTx(t, db, func(tx *sql.Tx) error {
		var err error
		items, err = Due(tx, now, 100)
		return err
	})
	return items
}

func TestEnqueueAndDue(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table:     "products",
		Operation: OpCreate,
		RecordID:  "p1",
		Payload:   json.RawMessage(`{"name":"Widget"}`),
		Priority:  8,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("Due returned %d items, want 1", len(items))
	}
	it := items[0]
	if it.Table != "products" || it.RecordID != "p1" {
		t.Errorf("wrong item: %s/%s", it.Table, it.RecordID)
	}
	if it.Operation != OpCreate {
		t.Errorf("Operation = %s, want create", it.Operation)
	}
	if it.Status != StatusPending {
		t.Errorf("Status = %s, want pending", it.Status)
	}
	if it.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", it.MaxAttempts, DefaultMaxAttempts)
	}
}

func TestPriorityOrdering(t *testing.T) {
	db := testDB(t)

	// Enqueue in scrambled priority order; drain order must be priority
	// descending with enqueue time breaking ties.
	base := time.Now().UTC()
	for i, tc := range []struct {
		record   string
		priority int
	}{
		{"c1", 3},
		{"c2", 3},
		{"s1", 8},
		{"d1", 5},
	} {
		enqueue(t, db, Item{
			Table:      "customers",
			Operation:  OpCreate,
			RecordID:   tc.record,
			Payload:    json.RawMessage(`{}`),
			Priority:   tc.priority,
			EnqueuedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	items := dueItems(t, db, time.Now())
	var got []string
	for _, it := range items {
		got = append(got, it.RecordID)
	}
	want := []string{"s1", "d1", "c1", "c2"}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s (full order %v)", i, got[i], want[i], got)
		}
	}
}

func TestCoalesceCreateThenUpdate(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{"name":"Widget","price":10}`), Priority: 8,
	})
	enqueue(t, db, Item{
		Table: "products", Operation: OpUpdate, RecordID: "p1",
		Payload: json.RawMessage(`{"price":12}`), Priority: 8,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("expected coalesced single item, got %d", len(items))
	}
	it := items[0]
	if it.Operation != OpCreate {
		t.Errorf("Operation = %s, want create (server never saw the record)", it.Operation)
	}
	var payload map[string]any
	if err := json.Unmarshal(it.Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["name"] != "Widget" {
		t.Errorf("name = %v, want Widget (older fields must survive the merge)", payload["name"])
	}
	if payload["price"] != float64(12) {
		t.Errorf("price = %v, want 12 (newer fields must win)", payload["price"])
	}
}

func TestCoalesceDeleteWins(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpUpdate, RecordID: "p1",
		Payload: json.RawMessage(`{"price":12}`), Priority: 8,
	})
	enqueue(t, db, Item{
		Table: "products", Operation: OpDelete, RecordID: "p1", Priority: 8,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("expected single item, got %d", len(items))
	}
	if items[0].Operation != OpDelete {
		t.Errorf("Operation = %s, want delete", items[0].Operation)
	}
	if len(items[0].Payload) != 0 {
		t.Errorf("delete should carry no payload, got %s", items[0].Payload)
	}
}

func TestCoalesceDeleteThenCreateIsUpdate(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpDelete, RecordID: "p1", Priority: 8,
	})
	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{"name":"Widget"}`), Priority: 8,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("expected single item, got %d", len(items))
	}
	if items[0].Operation != OpUpdate {
		t.Errorf("Operation = %s, want update (server still holds the record)", items[0].Operation)
	}
}

func TestCoalesceKeepsHigherPriorityAndResetsRetries(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "sales", Operation: OpCreate, RecordID: "s1",
		Payload: json.RawMessage(`{"total":5}`), Priority: 10,
	})

	// Burn an attempt so retry state is non-trivial.
	inTx(t, db, func(tx *sql.Tx) error {
		items, err := Due(tx, time.Now(), 10)
		if err != nil {
			return err
		}
		_, err = Fail(tx, items[0], "server error", time.Now())
		return err
	})

	enqueue(t, db, Item{
		Table: "sales", Operation: OpUpdate, RecordID: "s1",
		Payload: json.RawMessage(`{"total":6}`), Priority: 5,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("expected single item, got %d", len(items))
	}
	it := items[0]
	if it.Priority != 10 {
		t.Errorf("Priority = %d, want 10 (higher side wins the coalesce)", it.Priority)
	}
	if it.Attempts != 0 || it.NextRetryAt != nil || it.Status != StatusPending {
		t.Errorf("retry state not reset: attempts=%d retry=%v status=%s",
			it.Attempts, it.NextRetryAt, it.Status)
	}
}

func TestEnqueueDoesNotTouchProcessingItem(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{"name":"Widget"}`), Priority: 8,
	})

	var claimedID int64
	inTx(t, db, func(tx *sql.Tx) error {
		items, err := Due(tx, time.Now(), 10)
		if err != nil {
			return err
		}
		claimedID = items[0].ID
		return Claim(tx, []int64{claimedID})
	})

	// A local edit while the item is in flight must land in a new row.
	enqueue(t, db, Item{
		Table: "products", Operation: OpUpdate, RecordID: "p1",
		Payload: json.RawMessage(`{"price":9}`), Priority: 8,
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 {
		t.Fatalf("expected one newly pending item, got %d", len(items))
	}
	if items[0].ID == claimedID {
		t.Error("enqueue mutated the in-flight item")
	}
	if items[0].Operation != OpUpdate {
		t.Errorf("new item operation = %s, want update", items[0].Operation)
	}
}

func TestRetryDelayWindows(t *testing.T) {
	// min(1s * 2^attempts, 30s) plus up to a second of jitter.
	tests := []struct {
		attempts int
		min, max time.Duration
	}{
		{1, 2000 * time.Millisecond, 3000 * time.Millisecond},
		{2, 4000 * time.Millisecond, 5000 * time.Millisecond},
		{3, 8000 * time.Millisecond, 9000 * time.Millisecond},
		{10, 30000 * time.Millisecond, 31000 * time.Millisecond},
	}
	for _, tc := range tests {
		for i := 0; i < 20; i++ {
			d := RetryDelay(tc.attempts)
			if d < tc.min || d >= tc.max {
				t.Fatalf("RetryDelay(%d) = %v, want in [%v, %v)", tc.attempts, d, tc.min, tc.max)
			}
		}
	}
}

func TestFailSchedulesRetryThenTerminal(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{}`), Priority: 8, MaxAttempts: 2,
	})

	now := time.Now().UTC()
	inTx(t, db, func(tx *sql.Tx) error {
		items, err := Due(tx, now, 10)
		if err != nil {
			return err
		}
		_, err = Fail(tx, items[0], "validation failed", now)
		return err
	})

	// Not due immediately, due once the retry time passes.
	if items := dueItems(t, db, now.Add(time.Second)); len(items) != 0 {
		t.Fatalf("item due before its retry time")
	}
	items := dueItems(t, db, now.Add(4*time.Second))
	if len(items) != 1 {
		t.Fatalf("item not due after retry window, got %d items", len(items))
	}
	it := items[0]
	if it.Attempts != 1 || it.LastError != "validation failed" {
		t.Errorf("attempts=%d lastError=%q after first failure", it.Attempts, it.LastError)
	}

	// Second failure hits MaxAttempts and goes terminal.
	inTx(t, db, func(tx *sql.Tx) error {
		failed, err := Fail(tx, it, "validation failed", now)
		if err != nil {
			return err
		}
		if !failed.Terminal() {
			t.Errorf("item should be terminal after %d attempts", failed.Attempts)
		}
		return nil
	})

	if items := dueItems(t, db, now.Add(time.Hour)); len(items) != 0 {
		t.Errorf("terminal item still scheduled for retry")
	}

	log := NewLog(db)
	n, err := log.TerminalCount()
	if err != nil {
		t.Fatalf("TerminalCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("TerminalCount = %d, want 1", n)
	}
}

func TestResetAndClearFailed(t *testing.T) {
	db := testDB(t)
	log := NewLog(db)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{}`), Priority: 8, MaxAttempts: 1,
	})
	inTx(t, db, func(tx *sql.Tx) error {
		items, err := Due(tx, time.Now(), 10)
		if err != nil {
			return err
		}
		_, err = Fail(tx, items[0], "rejected", time.Now())
		return err
	})

	n, err := log.ResetFailed()
	if err != nil || n != 1 {
		t.Fatalf("ResetFailed = (%d, %v), want (1, nil)", n, err)
	}
	items := dueItems(t, db, time.Now())
	if len(items) != 1 || items[0].Attempts != 0 {
		t.Fatalf("reset item not pending with fresh budget: %+v", items)
	}

	// Fail it terminally again and clear.
	inTx(t, db, func(tx *sql.Tx) error {
		due, err := Due(tx, time.Now(), 10)
		if err != nil {
			return err
		}
		_, err = Fail(tx, due[0], "rejected", time.Now())
		return err
	})
	n, err = log.ClearFailed()
	if err != nil || n != 1 {
		t.Fatalf("ClearFailed = (%d, %v), want (1, nil)", n, err)
	}
	if items := dueItems(t, db, time.Now().Add(time.Hour)); len(items) != 0 {
		t.Errorf("cleared item still in queue")
	}
}

func TestReleaseStale(t *testing.T) {
	db := testDB(t)
	log := NewLog(db)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{}`), Priority: 8,
	})
	inTx(t, db, func(tx *sql.Tx) error {
		items, err := Due(tx, time.Now(), 10)
		if err != nil {
			return err
		}
		return Claim(tx, []int64{items[0].ID})
	})

	if items := dueItems(t, db, time.Now()); len(items) != 0 {
		t.Fatalf("claimed item still due")
	}

	n, err := log.ReleaseStale()
	if err != nil || n != 1 {
		t.Fatalf("ReleaseStale = (%d, %v), want (1, nil)", n, err)
	}
	if items := dueItems(t, db, time.Now()); len(items) != 1 {
		t.Errorf("released item not due again")
	}
}

func TestRequeueAndRemove(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "products", Operation: OpCreate, RecordID: "p1",
		Payload: json.RawMessage(`{"v":1}`), Priority: 8,
	})

	inTx(t, db, func(tx *sql.Tx) error {
		return Requeue(tx, "products", "p1", OpUpdate, json.RawMessage(`{"v":2}`), 8)
	})
	items := dueItems(t, db, time.Now())
	if len(items) != 1 || items[0].Operation != OpUpdate {
		t.Fatalf("requeue did not replace the item: %+v", items)
	}

	// Requeue with no existing item creates one.
	inTx(t, db, func(tx *sql.Tx) error {
		return Requeue(tx, "products", "p2", OpUpdate, json.RawMessage(`{"v":9}`), 8)
	})
	if items := dueItems(t, db, time.Now()); len(items) != 2 {
		t.Fatalf("requeue of unknown record did not enqueue, %d items", len(items))
	}

	inTx(t, db, func(tx *sql.Tx) error {
		return Remove(tx, "products", "p1")
	})
	items = dueItems(t, db, time.Now())
	if len(items) != 1 || items[0].RecordID != "p2" {
		t.Fatalf("remove left wrong items: %+v", items)
	}
}

func TestRemapRecordID(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, Item{
		Table: "sales", Operation: OpUpdate, RecordID: "provisional-1",
		Payload: json.RawMessage(`{}`), Priority: 10,
	})
	inTx(t, db, func(tx *sql.Tx) error {
		return RemapRecordID(tx, "sales", "provisional-1", "srv-9")
	})

	items := dueItems(t, db, time.Now())
	if len(items) != 1 || items[0].RecordID != "srv-9" {
		t.Fatalf("remap failed: %+v", items)
	}
}
