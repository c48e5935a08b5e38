package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcus/shopsync/internal/serverdb"
	"github.com/marcus/shopsync/internal/store"
	"github.com/marcus/shopsync/internal/sync"
)

const (
	maxPushBatch = 500
	maxPullLimit = 5000
	defPullLimit = 500
)

// handlePush handles POST /sync/{table}: one batched, idempotent apply
// with per-item outcomes. A single bad item never blocks the rest.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !store.IsReplicatedTable(table) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown table: "+table)
		return
	}
	if r.Header.Get("X-Client-ID") == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "X-Client-ID header is required")
		return
	}

	var req sync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "items must not be empty")
		return
	}
	if len(req.Items) > maxPushBatch {
		writeError(w, http.StatusBadRequest, "bad_request",
			"batch exceeds "+strconv.Itoa(maxPushBatch)+" items")
		return
	}

	tx, err := s.store.Conn().Begin()
	if err != nil {
		slog.Error("begin push tx", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "transaction failed")
		return
	}
	defer tx.Rollback()

	resp := sync.PushResponse{Success: true, Processed: []sync.ProcessedItem{}}
	now := time.Now().UTC()
	for _, item := range req.Items {
		outcome, err := serverdb.ApplyItem(tx, table, item.ClientID, item.Operation,
			item.Data, item.Timestamp, now)
		if err != nil {
			slog.Error("apply item", "table", table, "clientId", item.ClientID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "apply failed")
			return
		}
		switch {
		case outcome.Err != "":
			resp.Processed = append(resp.Processed, sync.ProcessedItem{
				ClientID: item.ClientID,
				Error:    outcome.Err,
			})
		case outcome.Conflict:
			resp.Conflicts = append(resp.Conflicts, sync.ConflictItem{
				ClientID:   item.ClientID,
				ClientData: item.Data,
				ServerData: outcome.ServerData,
				Resolution: s.resolutionFor(),
			})
		default:
			resp.Processed = append(resp.Processed, sync.ProcessedItem{
				ClientID: item.ClientID,
				ServerID: outcome.ServerID,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("commit push tx", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "commit failed")
		return
	}

	slog.Info("push applied",
		"table", table, "client", r.Header.Get("X-Client-ID"),
		"items", len(req.Items), "conflicts", len(resp.Conflicts))
	writeJSON(w, http.StatusOK, resp)
}

// handlePull handles GET /sync/pull: the change feed since a checkpoint,
// keyset paginated via an opaque cursor.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if v := q.Get("since"); v != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			since, err = time.Parse(time.RFC3339, v)
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be ISO8601")
			return
		}
	}

	limit := defPullLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if n > maxPullLimit {
			n = maxPullLimit
		}
		limit = n
	}

	changes, serverTS, hasMore, nextCursor, err := s.store.ChangesSince(since, limit, q.Get("cursor"))
	if err != nil {
		slog.Error("changes since", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "change feed failed")
		return
	}

	resp := sync.PullResponse{
		ServerTimestamp: serverTS,
		Changes:         make([]sync.Change, len(changes)),
		HasMore:         hasMore,
		NextCursor:      nextCursor,
	}
	for i, ch := range changes {
		resp.Changes[i] = sync.Change{
			Table:     ch.Table,
			Operation: ch.Operation,
			ID:        ch.ID,
			Data:      ch.Data,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
