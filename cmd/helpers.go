package cmd

import (
	"fmt"

	"github.com/marcus/shopsync/internal/queue"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/sync"
	"github.com/marcus/shopsync/internal/syncconfig"
	"github.com/marcus/shopsync/internal/transport"
)

// engine bundles the pieces one command invocation needs.
type engine struct {
	store    *store.Store
	log      *queue.Log
	client   *transport.Client
	creds    *syncconfig.CredStore
	cfg      *syncconfig.Config
	pusher   *sync.Pusher
	puller   *sync.Puller
	resolver *sync.Resolver
}

// openEngine opens the replica and wires the sync components the way the
// daemon and the one-shot commands both use them.
func openEngine() (*engine, error) {
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(getBaseDir())
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	log := queue.NewLog(s.Conn())
	if n, err := log.ReleaseStale(); err == nil && n > 0 {
		// Items orphaned by a crash mid-push.
		fmt.Printf("recovered %d in-flight items\n", n)
	}

	creds := syncconfig.NewCredStore()
	clientID, err := creds.ClientID()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("client id: %w", err)
	}

	client := transport.New(transport.DefaultConfig(syncconfig.GetServerURL(), clientID), creds)

	policy := sync.ServerWins
	switch cfg.Sync.ConflictPolicy {
	case "client_wins":
		policy = sync.ClientWins
	case "manual":
		policy = sync.Manual
	}
	resolver := sync.NewResolver(policy)

	return &engine{
		store:    s,
		log:      log,
		client:   client,
		creds:    creds,
		cfg:      cfg,
		resolver: resolver,
		pusher:   sync.NewPusher(s, client, resolver, cfg.Sync.BatchSize),
		puller:   sync.NewPuller(s, client, resolver, policy, cfg.Sync.PullLimit),
	}, nil
}

func (e *engine) Close() {
	e.store.Close()
}
