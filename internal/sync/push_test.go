package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/marcus/shopsync/internal/queue"
	"github.com/marcus/shopsync/internal/store"
)

// acceptAll answers every pushed item with acceptance under its client id.
func acceptAll() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Processed = append(resp.Processed, ProcessedItem{ClientID: it.ClientID, ServerID: it.ClientID})
		}
		json.NewEncoder(w).Encode(resp)
	})
}

func queueDepth(t *testing.T, s *store.Store) int {
	t.Helper()
	items, err := queue.NewLog(s.Conn()).List("")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	return len(items)
}

func TestPushHappyPath(t *testing.T) {
	env := newTestEnv(t, acceptAll())
	if err := env.store.Put("products", "p1", json.RawMessage(`{"name":"Widget"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Pushed != 1 || stats.Failed != 0 || stats.Conflicts != 0 {
		t.Errorf("stats = %+v, want 1 pushed", stats)
	}

	rec, _ := env.store.Get("products", "p1")
	if rec.Envelope.SyncStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced", rec.Envelope.SyncStatus)
	}
	if n := queueDepth(t, env.store); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestPushGroupsByTable(t *testing.T) {
	var paths []string
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		acceptAll().ServeHTTP(w, r)
	}))

	env.store.Put("customers", "c1", json.RawMessage(`{}`))
	env.store.Put("sales", "s1", json.RawMessage(`{}`))
	env.store.Put("sales", "s2", json.RawMessage(`{}`))

	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// One request per table; sales first because of its higher priority.
	if len(paths) != 2 {
		t.Fatalf("server saw %d requests, want 2: %v", len(paths), paths)
	}
	if paths[0] != "/sync/sales" || paths[1] != "/sync/customers" {
		t.Errorf("request order = %v, want sales then customers", paths)
	}
}

func TestPushRemapsServerAssignedID(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Processed = append(resp.Processed, ProcessedItem{ClientID: it.ClientID, ServerID: "srv-1"})
		}
		json.NewEncoder(w).Encode(resp)
	}))

	env.store.Put("sales", "local-1", json.RawMessage(`{"total":5}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rec, _ := env.store.Get("sales", "local-1"); rec != nil {
		t.Error("provisional id still present")
	}
	rec, _ := env.store.Get("sales", "srv-1")
	if rec == nil {
		t.Fatal("record not found under canonical id")
	}
	if rec.Envelope.SyncStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced", rec.Envelope.SyncStatus)
	}
}

func TestPushDeleteRemovesRecord(t *testing.T) {
	env := newTestEnv(t, acceptAll())
	env.store.Put("products", "p1", json.RawMessage(`{"name":"Widget"}`))

	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("initial push failed: %v", err)
	}

	if err := env.store.Delete("products", "p1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("delete push failed: %v", err)
	}

	if rec, _ := env.store.Get("products", "p1"); rec != nil {
		t.Error("tombstone survived confirmed delete push")
	}
	if n := queueDepth(t, env.store); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestPushItemErrorSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Processed = append(resp.Processed, ProcessedItem{ClientID: it.ClientID, Error: "invalid price"})
		}
		json.NewEncoder(w).Encode(resp)
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"price":-1}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}

	items, _ := queue.NewLog(env.store.Conn()).List(queue.StatusFailed)
	if len(items) != 1 {
		t.Fatalf("failed queue items = %d, want 1", len(items))
	}
	it := items[0]
	if it.Attempts != 1 || it.NextRetryAt == nil || it.LastError != "invalid price" {
		t.Errorf("item not scheduled for retry: %+v", it)
	}

	// The record goes back to pending, not failed, while retries remain.
	rec, _ := env.store.Get("products", "p1")
	if rec.Envelope.SyncStatus != store.StatusPending {
		t.Errorf("record status = %s, want pending", rec.Envelope.SyncStatus)
	}
	if rec.Envelope.LastSyncError != "invalid price" {
		t.Errorf("LastSyncError = %q", rec.Envelope.LastSyncError)
	}
}

func TestPushBatchErrorReleasesItems(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded against a 503 server")
	}

	// The item is back to pending with its attempt budget untouched, for
	// the orchestrator's backoff to drive the retry.
	items, _ := queue.NewLog(env.store.Conn()).List(queue.StatusPending)
	if len(items) != 1 {
		t.Fatalf("pending items = %d, want 1", len(items))
	}
	if items[0].Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (batch failure burns no budget)", items[0].Attempts)
	}
	rec, _ := env.store.Get("products", "p1")
	if rec.Envelope.SyncStatus != store.StatusPending {
		t.Errorf("record status = %s, want pending", rec.Envelope.SyncStatus)
	}
}

func TestPushValidationRejectionBurnsAttempt(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"bad_request","message":"malformed batch"}`))
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}

	items, _ := queue.NewLog(env.store.Conn()).List(queue.StatusFailed)
	if len(items) != 1 || items[0].Attempts != 1 {
		t.Fatalf("rejected item not failed with one attempt: %+v", items)
	}
	if !strings.Contains(items[0].LastError, "malformed batch") {
		t.Errorf("LastError = %q, want server message", items[0].LastError)
	}
}

func TestPushConflictServerWins(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Conflicts = append(resp.Conflicts, ConflictItem{
				ClientID:   it.ClientID,
				ClientData: it.Data,
				ServerData: json.RawMessage(`{"name":"Server Widget"}`),
				Resolution: ServerWins,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Local Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Conflicts != 1 {
		t.Errorf("stats.Conflicts = %d, want 1", stats.Conflicts)
	}

	rec, _ := env.store.Get("products", "p1")
	var data map[string]any
	json.Unmarshal(rec.Data, &data)
	if data["name"] != "Server Widget" {
		t.Errorf("data = %v, want server copy", data)
	}
	if rec.Envelope.SyncStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced", rec.Envelope.SyncStatus)
	}
	if n := queueDepth(t, env.store); n != 0 {
		t.Errorf("queue depth = %d, want 0", n)
	}
}

func TestPushConflictClientWinsRequeues(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Conflicts = append(resp.Conflicts, ConflictItem{
				ClientID:   it.ClientID,
				ServerData: json.RawMessage(`{"name":"Server Widget"}`),
				Resolution: ClientWins,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Local Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(ClientWins), 0)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The local value stays and its mutation is queued again as an update.
	rec, _ := env.store.Get("products", "p1")
	var data map[string]any
	json.Unmarshal(rec.Data, &data)
	if data["name"] != "Local Widget" {
		t.Errorf("data = %v, want local copy kept", data)
	}
	if rec.Envelope.SyncStatus != store.StatusPending {
		t.Errorf("status = %s, want pending", rec.Envelope.SyncStatus)
	}
	items, _ := queue.NewLog(env.store.Conn()).List(queue.StatusPending)
	if len(items) != 1 || items[0].Operation != queue.OpUpdate {
		t.Fatalf("expected one re-pended update, got %+v", items)
	}
}

func TestPushConflictManualParksRecord(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PushRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := PushResponse{Success: true}
		for _, it := range req.Items {
			resp.Conflicts = append(resp.Conflicts, ConflictItem{
				ClientID:   it.ClientID,
				ServerData: json.RawMessage(`{"name":"Server Widget"}`),
				Resolution: Manual,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Local Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(Manual), 0)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec, _ := env.store.Get("products", "p1")
	if rec.Envelope.SyncStatus != store.StatusConflict {
		t.Fatalf("status = %s, want conflict", rec.Envelope.SyncStatus)
	}
	if string(rec.Envelope.ConflictData) != `{"name":"Server Widget"}` {
		t.Errorf("ConflictData = %s", rec.Envelope.ConflictData)
	}
	if n := queueDepth(t, env.store); n != 0 {
		t.Errorf("queue depth = %d, want 0 (parked records are not pushed)", n)
	}
}

func TestPushUnmentionedItemFails(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PushResponse{Success: true})
	}))

	env.store.Put("products", "p1", json.RawMessage(`{"name":"Widget"}`))
	p := NewPusher(env.store, env.client, NewResolver(ServerWins), 0)
	stats, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
	items, _ := queue.NewLog(env.store.Conn()).List(queue.StatusFailed)
	if len(items) != 1 || items[0].LastError != "missing from server response" {
		t.Fatalf("unmentioned item not failed: %+v", items)
	}
}
