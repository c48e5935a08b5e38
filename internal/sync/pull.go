package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/marcus/shopsync/internal/queue"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/transport"
)

// DefaultPullLimit is the page size requested from the change feed.
const DefaultPullLimit = 500

// maxPullPages bounds one pull pass; a deployment far behind resumes from
// the advanced checkpoint on the next cycle.
const maxPullPages = 20

// Puller fetches server-side changes since the checkpoint and applies
// them transactionally into the replica.
type Puller struct {
	store    *store.Store
	client   *transport.Client
	resolver *Resolver
	// Policy decides pull-side conflicts: a pulled change colliding with
	// a locally pending record. ServerWins by default.
	Policy Resolution
	limit  int
}

// NewPuller builds a pull processor.
func NewPuller(s *store.Store, client *transport.Client, resolver *Resolver, policy Resolution, limit int) *Puller {
	if policy == "" {
		policy = ServerWins
	}
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	return &Puller{store: s, client: client, resolver: resolver, Policy: policy, limit: limit}
}

// Run executes one pull pass: page through the change feed from the
// checkpoint, apply everything in one local transaction, then advance the
// checkpoint to the server's timestamp. A failed apply leaves the
// checkpoint untouched, so re-pulling is idempotent at-least-once.
func (p *Puller) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	since, cursor, err := p.store.Checkpoint()
	if err != nil {
		return stats, err
	}

	var (
		changes  []Change
		serverTS time.Time
	)
	for page := 0; page < maxPullPages; page++ {
		resp, err := p.fetch(ctx, since, cursor)
		if err != nil {
			return stats, err
		}
		changes = append(changes, resp.Changes...)
		serverTS = resp.ServerTimestamp
		if !resp.HasMore {
			cursor = ""
			break
		}
		cursor = resp.NextCursor
		if cursor == "" {
			break
		}
	}

	if len(changes) == 0 {
		if !serverTS.IsZero() {
			if err := p.advance(serverTS, cursor); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}

	tx, err := p.store.Conn().Begin()
	if err != nil {
		return stats, fmt.Errorf("begin pull tx: %w", err)
	}
	defer tx.Rollback()

	for _, ch := range changes {
		if !store.IsReplicatedTable(ch.Table) {
			slog.Warn("pull: skipping change for unknown table", "table", ch.Table, "id", ch.ID)
			continue
		}

		switch ch.Operation {
		case "delete":
			local, err := store.GetTx(tx, ch.Table, ch.ID)
			if err != nil {
				return stats, err
			}
			if local == nil {
				// Already gone locally; drop any stale queued mutation so
				// a later push cannot resurrect the record.
				if err := queue.Remove(tx, ch.Table, ch.ID); err != nil {
					return stats, err
				}
				continue
			}
			if local.Envelope.SyncStatus == store.StatusPending {
				// Pull-side conflict: the server deleted a record we still
				// hold an un-pushed edit for. Empty server data marks the
				// server side as a delete.
				slog.Warn("pull: delete collides with pending local edit",
					"table", ch.Table, "id", ch.ID, "policy", p.Policy)
				err := p.resolver.Resolve(tx, Conflict{
					Table:      ch.Table,
					RecordID:   ch.ID,
					ClientData: local.Data,
					Resolution: p.Policy,
				})
				if err != nil {
					return stats, err
				}
				stats.Conflicts++
				continue
			}
			if local.Envelope.SyncStatus == store.StatusConflict {
				// Parked for the operator; record that the server side is
				// now a delete.
				if err := store.MarkConflictTx(tx, ch.Table, ch.ID, nil); err != nil {
					return stats, err
				}
				continue
			}
			if err := store.DeleteTx(tx, ch.Table, ch.ID); err != nil {
				return stats, err
			}
			if err := queue.Remove(tx, ch.Table, ch.ID); err != nil {
				return stats, err
			}
			stats.Deleted++

		case "create", "update":
			local, err := store.GetTx(tx, ch.Table, ch.ID)
			if err != nil {
				return stats, err
			}
			if local != nil && local.Envelope.SyncStatus == store.StatusPending {
				// Pull-side conflict: the server changed a record we still
				// hold an un-pushed edit for.
				slog.Warn("pull: change collides with pending local edit",
					"table", ch.Table, "id", ch.ID, "policy", p.Policy)
				err := p.resolver.Resolve(tx, Conflict{
					Table:      ch.Table,
					RecordID:   ch.ID,
					ClientData: local.Data,
					ServerData: ch.Data,
					Resolution: p.Policy,
				})
				if err != nil {
					return stats, err
				}
				stats.Conflicts++
				continue
			}
			if local != nil && local.Envelope.SyncStatus == store.StatusConflict {
				// Already parked for the operator; refresh the server copy
				// but do not silently overwrite.
				if err := store.MarkConflictTx(tx, ch.Table, ch.ID, ch.Data); err != nil {
					return stats, err
				}
				continue
			}
			if err := store.ApplyServerTx(tx, ch.Table, ch.ID, ch.Data, serverTS); err != nil {
				return stats, err
			}
			stats.Applied++

		default:
			return stats, fmt.Errorf("pull: unknown operation %q for %s/%s", ch.Operation, ch.Table, ch.ID)
		}
	}

	if err := store.AdvanceCheckpointTx(tx, serverTS, cursor); err != nil {
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit pull: %w", err)
	}

	slog.Debug("pull: applied changes", "applied", stats.Applied,
		"deleted", stats.Deleted, "conflicts", stats.Conflicts, "checkpoint", serverTS)
	return stats, nil
}

func (p *Puller) fetch(ctx context.Context, since time.Time, cursor string) (*PullResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	q.Set("limit", strconv.Itoa(p.limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp PullResponse
	if err := p.client.GetJSON(ctx, "/sync/pull", q, &noRetry, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// advance moves the checkpoint when a pull had nothing to apply.
func (p *Puller) advance(ts time.Time, cursor string) error {
	tx, err := p.store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()
	if err := store.AdvanceCheckpointTx(tx, ts, cursor); err != nil {
		return err
	}
	return tx.Commit()
}
