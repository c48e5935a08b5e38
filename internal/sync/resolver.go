package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/shopsync/internal/queue"
	"github.com/marcus/shopsync/internal/store"
)

// Resolution names the winning side of a conflict.
type Resolution string

const (
	ServerWins Resolution = "server_wins"
	ClientWins Resolution = "client_wins"
	Manual     Resolution = "manual"
)

// Conflict is a detected concurrent modification of one record, ready for
// resolution. Ephemeral: it lives only until the resolver consumes it.
type Conflict struct {
	Table      string
	RecordID   string
	ClientData json.RawMessage
	ServerData json.RawMessage
	Resolution Resolution
}

// Resolver applies conflict decisions to the replica and the mutation log.
type Resolver struct {
	// Default decides conflicts that arrive without an explicit
	// resolution. Deployments wanting operator review set Manual.
	Default Resolution
}

// NewResolver returns a resolver with the given default policy.
func NewResolver(def Resolution) *Resolver {
	if def == "" {
		def = ServerWins
	}
	return &Resolver{Default: def}
}

// Resolve applies one conflict inside the caller's transaction.
//
//   - server_wins: the local record takes the server value and is synced,
//     or is deleted when the server side is a delete (empty server data);
//     any queued mutation for it is dropped.
//   - client_wins: the client mutation is re-enqueued with a fresh attempt
//     budget; the record stays pending.
//   - manual: the record is parked in conflict state with the server copy
//     stored for the operator; sync leaves it alone until resolved.
func (r *Resolver) Resolve(tx *sql.Tx, c Conflict) error {
	res := c.Resolution
	if res == "" {
		res = r.Default
	}

	switch res {
	case ServerWins:
		if len(c.ServerData) == 0 {
			// The server side of the conflict is a delete.
			if err := store.DeleteTx(tx, c.Table, c.RecordID); err != nil {
				return err
			}
		} else if err := store.ApplyServerTx(tx, c.Table, c.RecordID, c.ServerData, time.Now().UTC()); err != nil {
			return err
		}
		if err := queue.Remove(tx, c.Table, c.RecordID); err != nil {
			return err
		}
		slog.Info("conflict resolved", "table", c.Table, "record", c.RecordID, "resolution", ServerWins)
		return nil

	case ClientWins:
		op := queue.OpUpdate
		if len(c.ClientData) == 0 {
			op = queue.OpDelete
		}
		if err := queue.Requeue(tx, c.Table, c.RecordID, op, c.ClientData, store.PriorityFor(c.Table)); err != nil {
			return err
		}
		if err := store.SetStatusTx(tx, c.Table, c.RecordID, store.StatusPending); err != nil {
			return err
		}
		slog.Info("conflict resolved", "table", c.Table, "record", c.RecordID, "resolution", ClientWins)
		return nil

	case Manual:
		if err := store.MarkConflictTx(tx, c.Table, c.RecordID, c.ServerData); err != nil {
			return err
		}
		if err := queue.Remove(tx, c.Table, c.RecordID); err != nil {
			return err
		}
		slog.Warn("conflict needs manual resolution", "table", c.Table, "record", c.RecordID)
		return nil

	default:
		return fmt.Errorf("unknown resolution %q for %s/%s", res, c.Table, c.RecordID)
	}
}

// ResolveManual is the operator entry point for a record previously parked
// in conflict state: pick a side and the record re-enters the normal
// lifecycle.
func ResolveManual(s *store.Store, table, recordID string, winner Resolution) error {
	if winner != ServerWins && winner != ClientWins {
		return fmt.Errorf("manual resolution must pick a side, got %q", winner)
	}

	tx, err := s.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rec, err := store.GetTx(tx, table, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record %s/%s not found", table, recordID)
	}
	if rec.Envelope.SyncStatus != store.StatusConflict {
		return fmt.Errorf("record %s/%s is not in conflict (status %s)", table, recordID, rec.Envelope.SyncStatus)
	}

	c := Conflict{
		Table:      table,
		RecordID:   recordID,
		ClientData: rec.Data,
		ServerData: rec.Envelope.ConflictData,
		Resolution: winner,
	}
	r := &Resolver{Default: winner}
	if err := r.Resolve(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}
