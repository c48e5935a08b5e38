// Package sync contains the client-side sync engine: the push and pull
// processors, the conflict resolver, and the orchestrator that drives
// push-then-pull cycles.
package sync

import (
	"encoding/json"
	"time"
)

// PushItem is one mutation in a per-table push batch.
type PushItem struct {
	ClientID  string          `json:"clientId"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PushRequest is the body of POST /sync/{table}.
type PushRequest struct {
	Items []PushItem `json:"items"`
}

// ProcessedItem is a per-item outcome in a push response: either accepted
// (ServerID set) or rejected (Error set).
type ProcessedItem struct {
	ClientID string `json:"clientId"`
	ServerID string `json:"serverId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ConflictItem reports a concurrent server-side change for one item.
type ConflictItem struct {
	ClientID   string          `json:"clientId"`
	ClientData json.RawMessage `json:"clientData,omitempty"`
	ServerData json.RawMessage `json:"serverData,omitempty"`
	Resolution Resolution      `json:"resolution"`
}

// PushResponse is the response of POST /sync/{table}.
type PushResponse struct {
	Success   bool            `json:"success"`
	Processed []ProcessedItem `json:"processed"`
	Conflicts []ConflictItem  `json:"conflicts,omitempty"`
}

// Change is one server-side change in a pull response.
type Change struct {
	Table     string          `json:"table"`
	Operation string          `json:"operation"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PullResponse is the response of GET /sync/pull.
type PullResponse struct {
	ServerTimestamp time.Time `json:"serverTimestamp"`
	Changes         []Change  `json:"changes"`
	HasMore         bool      `json:"hasMore,omitempty"`
	NextCursor      string    `json:"nextCursor,omitempty"`
}

// Stats summarises one processor run.
type Stats struct {
	Pushed    int
	Failed    int
	Conflicts int
	Applied   int
	Deleted   int
}
