package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/shopsync/internal/queue"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/transport"
)

// DefaultBatchSize caps how many queue items one push cycle takes on.
const DefaultBatchSize = 50

// noRetry disables transport-level retries for sync calls: a failed cycle
// is retried by the orchestrator's own schedule, not by local looping.
var noRetry = 0

// Pusher drains the mutation log in priority order, batches by table, and
// reconciles per-item server outcomes back into the log and the replica.
type Pusher struct {
	store     *store.Store
	client    *transport.Client
	resolver  *Resolver
	batchSize int
}

// NewPusher builds a push processor.
func NewPusher(s *store.Store, client *transport.Client, resolver *Resolver, batchSize int) *Pusher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pusher{store: s, client: client, resolver: resolver, batchSize: batchSize}
}

// Run executes one push pass: claim due items, submit one batch per table,
// apply outcomes. Every claimed item ends the pass completed (deleted),
// failed (scheduled or terminal), back in pending (batch-level network or
// auth trouble), or in conflict handling.
func (p *Pusher) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	items, err := p.claimDue()
	if err != nil {
		return stats, err
	}
	if len(items) == 0 {
		return stats, nil
	}
	slog.Debug("push: claimed batch", "items", len(items))

	// Group by table, preserving the priority order within each group.
	groups := make(map[string][]queue.Item)
	var tables []string
	for _, it := range items {
		if _, seen := groups[it.Table]; !seen {
			tables = append(tables, it.Table)
		}
		groups[it.Table] = append(groups[it.Table], it)
	}

	for gi, table := range tables {
		group := groups[table]
		resp, err := p.submit(ctx, table, group)
		if err != nil {
			// Auth failure: this and all unsent groups go back to pending
			// so they retry transparently after re-login. Network trouble:
			// same treatment, the orchestrator's cycle backoff absorbs it.
			if transport.IsAuthError(err) || Retryable(err) {
				remaining := group
				for _, t := range tables[gi+1:] {
					remaining = append(remaining, groups[t]...)
				}
				if relErr := p.release(remaining); relErr != nil {
					slog.Error("push: release after batch failure", "err", relErr)
				}
				return stats, fmt.Errorf("push %s: %w", table, err)
			}
			// The server rejected the whole batch deliberately: burn an
			// attempt on every item.
			if failErr := p.failGroup(group, err.Error()); failErr != nil {
				return stats, failErr
			}
			stats.Failed += len(group)
			continue
		}

		s, err := p.reconcile(group, resp)
		stats.Pushed += s.Pushed
		stats.Failed += s.Failed
		stats.Conflicts += s.Conflicts
		if err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// Retryable reports whether the push error is transport-transient.
func Retryable(err error) bool {
	return transport.Retryable(err)
}

// claimDue selects and claims the next batch in one transaction, marking
// the touched records syncing. Items appended concurrently after the
// claim are simply picked up next cycle.
func (p *Pusher) claimDue() ([]queue.Item, error) {
	tx, err := p.store.Conn().Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	items, err := queue.Due(tx, time.Now().UTC(), p.batchSize)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := queue.Claim(tx, ids); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := store.SetStatusTx(tx, it.Table, it.RecordID, store.StatusSyncing); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

// submit sends one per-table batch. Sync calls run with zero transport
// retries.
func (p *Pusher) submit(ctx context.Context, table string, group []queue.Item) (*PushResponse, error) {
	req := PushRequest{Items: make([]PushItem, len(group))}
	for i, it := range group {
		req.Items[i] = PushItem{
			ClientID:  it.RecordID,
			Operation: string(it.Operation),
			Data:      it.Payload,
			Timestamp: it.EnqueuedAt,
		}
	}

	var resp PushResponse
	err := p.client.PostJSON(ctx, "/sync/"+table, req, &noRetry, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// reconcile applies per-item outcomes for one table group in a single
// transaction. A bad item never blocks the rest of the batch.
func (p *Pusher) reconcile(group []queue.Item, resp *PushResponse) (Stats, error) {
	var stats Stats

	byRecord := make(map[string]queue.Item, len(group))
	for _, it := range group {
		byRecord[it.RecordID] = it
	}

	tx, err := p.store.Conn().Begin()
	if err != nil {
		return stats, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, proc := range resp.Processed {
		item, ok := byRecord[proc.ClientID]
		if !ok {
			slog.Warn("push: server answered for unknown item", "clientId", proc.ClientID)
			continue
		}
		delete(byRecord, proc.ClientID)

		if proc.Error != "" {
			failed, err := queue.Fail(tx, item, proc.Error, now)
			if err != nil {
				return stats, err
			}
			if err := store.MarkSyncErrorTx(tx, item.Table, item.RecordID, proc.Error, failed.Terminal()); err != nil {
				return stats, err
			}
			if failed.Terminal() {
				slog.Error("push: item failed terminally",
					"table", item.Table, "record", item.RecordID, "error", proc.Error)
			}
			stats.Failed++
			continue
		}

		// Accepted. Remap first when the server assigned a different
		// canonical id, then settle the envelope and drop the item.
		canonical := item.RecordID
		if proc.ServerID != "" && proc.ServerID != item.RecordID {
			if err := store.RemapIDTx(tx, item.Table, item.RecordID, proc.ServerID); err != nil {
				return stats, err
			}
			canonical = proc.ServerID
			slog.Info("push: record id remapped",
				"table", item.Table, "from", item.RecordID, "to", proc.ServerID)
		}
		if err := queue.Complete(tx, item.ID); err != nil {
			return stats, err
		}
		if item.Operation == queue.OpDelete {
			if err := store.DeleteTx(tx, item.Table, canonical); err != nil {
				return stats, err
			}
		} else if err := store.MarkSyncedTx(tx, item.Table, canonical, now); err != nil {
			return stats, err
		}
		stats.Pushed++
	}

	for _, conf := range resp.Conflicts {
		item, ok := byRecord[conf.ClientID]
		if !ok {
			slog.Warn("push: conflict for unknown item", "clientId", conf.ClientID)
			continue
		}
		delete(byRecord, conf.ClientID)

		clientData := conf.ClientData
		if len(clientData) == 0 {
			clientData = item.Payload
		}
		err := p.resolver.Resolve(tx, Conflict{
			Table:      item.Table,
			RecordID:   item.RecordID,
			ClientData: clientData,
			ServerData: conf.ServerData,
			Resolution: conf.Resolution,
		})
		if err != nil {
			return stats, err
		}
		// Server-wins and manual consume the queue item via the resolver;
		// client-wins re-pends it. Either way the claimed row is settled.
		stats.Conflicts++
	}

	// Items the server did not mention at all: treat as an item-level
	// error so nothing disappears silently.
	for _, item := range byRecord {
		failed, err := queue.Fail(tx, item, "missing from server response", now)
		if err != nil {
			return stats, err
		}
		if err := store.MarkSyncErrorTx(tx, item.Table, item.RecordID, failed.LastError, failed.Terminal()); err != nil {
			return stats, err
		}
		stats.Failed++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit reconcile: %w", err)
	}
	return stats, nil
}

// release returns claimed items to pending and their records to pending.
func (p *Pusher) release(items []queue.Item) error {
	tx, err := p.store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := queue.Release(tx, ids); err != nil {
		return err
	}
	for _, it := range items {
		if err := store.SetStatusTx(tx, it.Table, it.RecordID, store.StatusPending); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// failGroup burns an attempt on every item of a deliberately rejected
// batch.
func (p *Pusher) failGroup(items []queue.Item, cause string) error {
	tx, err := p.store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, it := range items {
		failed, err := queue.Fail(tx, it, cause, now)
		if err != nil {
			return err
		}
		if err := store.MarkSyncErrorTx(tx, it.Table, it.RecordID, cause, failed.Terminal()); err != nil {
			return err
		}
	}
	return tx.Commit()
}
