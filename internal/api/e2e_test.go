package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/sync"
	"github.com/marcus/shopsync/internal/transport"
)

// tokenStub is an in-memory transport.TokenSource.
type tokenStub struct {
	token   string
	refresh string
}

func (s *tokenStub) Token() string        { return s.token }
func (s *tokenStub) RefreshToken() string { return s.refresh }
func (s *tokenStub) SetTokens(token, refreshToken string, _ time.Time) error {
	s.token, s.refresh = token, refreshToken
	return nil
}
func (s *tokenStub) Clear() error {
	s.token, s.refresh = "", ""
	return nil
}

// device is one replica wired to the server under test.
type device struct {
	store    *store.Store
	pusher   *sync.Pusher
	puller   *sync.Puller
	resolver *sync.Resolver
}

func newDevice(t *testing.T, srv *httptest.Server, creds *tokenStub, clientID string) *device {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := transport.DefaultConfig(srv.URL, clientID)
	cfg.RetryDelay = time.Millisecond
	client := transport.New(cfg, creds)
	resolver := sync.NewResolver(sync.ServerWins)
	return &device{
		store:    s,
		pusher:   sync.NewPusher(s, client, resolver, 0),
		puller:   sync.NewPuller(s, client, resolver, sync.ServerWins, 0),
		resolver: resolver,
	}
}

func (d *device) cycle(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := d.pusher.Run(ctx); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := d.puller.Run(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
}

func TestEndToEndOfflineEditReachesSecondDevice(t *testing.T) {
	ts := newTestServer(t)
	creds := &tokenStub{token: ts.creds.Token, refresh: ts.creds.RefreshToken}

	// Device A records a sale while offline, then syncs.
	a := newDevice(t, ts.srv, creds, "cl-a")
	if err := a.store.Put("sales", "r1", json.RawMessage(`{"name":"Widget"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	a.cycle(t)

	rec, err := a.store.Get("sales", "r1")
	if err != nil || rec == nil {
		t.Fatalf("record lost after sync: rec=%v err=%v", rec, err)
	}
	if rec.Envelope.SyncStatus != store.StatusSynced {
		t.Fatalf("status = %s, want synced", rec.Envelope.SyncStatus)
	}

	// Device B pulls the same record.
	b := newDevice(t, ts.srv, creds, "cl-b")
	b.cycle(t)
	got, err := b.store.Get("sales", "r1")
	if err != nil || got == nil {
		t.Fatalf("second device missing the record: rec=%v err=%v", got, err)
	}
	var data map[string]any
	json.Unmarshal(got.Data, &data)
	if data["name"] != "Widget" {
		t.Errorf("second device data = %v", data)
	}

	// Device B deletes; the delete propagates back to A.
	if err := b.store.Delete("sales", "r1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	b.cycle(t)
	a.cycle(t)
	if rec, _ := a.store.Get("sales", "r1"); rec != nil {
		t.Errorf("delete did not propagate, device A still holds %+v", rec)
	}
}

func TestEndToEndConcurrentEditServerWins(t *testing.T) {
	ts := newTestServer(t)
	creds := &tokenStub{token: ts.creds.Token, refresh: ts.creds.RefreshToken}

	a := newDevice(t, ts.srv, creds, "cl-a")
	b := newDevice(t, ts.srv, creds, "cl-b")

	// Both devices start from the same synced record.
	if err := a.store.Put("products", "p1", json.RawMessage(`{"price":10}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	a.cycle(t)
	b.cycle(t)

	// B edits and syncs first; A edited earlier but pushes later.
	if err := a.store.Put("products", "p1", json.RawMessage(`{"price":11}`)); err != nil {
		t.Fatalf("Put on A failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := b.store.Put("products", "p1", json.RawMessage(`{"price":12}`)); err != nil {
		t.Fatalf("Put on B failed: %v", err)
	}
	b.cycle(t)
	a.cycle(t)

	// Server wins: A converges to B's value.
	rec, _ := a.store.Get("products", "p1")
	if rec == nil {
		t.Fatal("record missing on A")
	}
	var data map[string]any
	json.Unmarshal(rec.Data, &data)
	if data["price"] != float64(12) {
		t.Errorf("device A price = %v, want 12 (server copy)", data["price"])
	}
	if rec.Envelope.SyncStatus != store.StatusSynced {
		t.Errorf("status = %s, want synced after resolution", rec.Envelope.SyncStatus)
	}
}
