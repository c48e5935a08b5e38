package sync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/transport"
)

// memCreds is an in-memory transport.TokenSource for tests.
type memCreds struct {
	token   string
	refresh string
}

func (m *memCreds) Token() string        { return m.token }
func (m *memCreds) RefreshToken() string { return m.refresh }
func (m *memCreds) SetTokens(token, refreshToken string, _ time.Time) error {
	m.token, m.refresh = token, refreshToken
	return nil
}
func (m *memCreds) Clear() error {
	m.token, m.refresh = "", ""
	return nil
}

// testEnv bundles a replica store and a transport client pointed at the
// given handler.
type testEnv struct {
	store  *store.Store
	client *transport.Client
}

func newTestEnv(t *testing.T, handler http.Handler) *testEnv {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := transport.DefaultConfig(srv.URL, "cl-test")
	cfg.RetryDelay = time.Millisecond
	cfg.BreakerCoolDown = 100 * time.Millisecond
	client := transport.New(cfg, &memCreds{token: "tok", refresh: "ref"})
	return &testEnv{store: s, client: client}
}
