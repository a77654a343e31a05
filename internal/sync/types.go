package sync

import (
	"encoding/json"

	"offline-sync-service/internal/store"
)

// Connectivity-restored trigger tags.
const (
	TagReplayQueue      = "sync-finance-data"
	TagReconcileChanges = "sync-offline-changes"
)

// Conflict classification. SERVER_NEWER is currently the only kind: the
// server snapshot carries a timestamp strictly newer than the local edit.
const ConflictServerNewer = "SERVER_NEWER"

// Resolution policies accepted by ConflictManager.Resolve.
const (
	ResolutionUseServer = "USE_SERVER"
	ResolutionUseLocal  = "USE_LOCAL"
	ResolutionMerge     = "MERGE"
)

// ReplayResult records the outcome of replaying one queued action.
type ReplayResult struct {
	Action  *store.QueuedAction `json:"action"`
	Success bool                `json:"success"`
	Status  int                 `json:"status,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ConflictRecord wraps an offline change that lost the timestamp
// comparison. It lives only for the duration of one reconciliation pass;
// the durable state is the OfflineChange it points at.
type ConflictRecord struct {
	Change         *store.OfflineChange `json:"change"`
	ServerSnapshot json.RawMessage      `json:"serverSnapshot,omitempty"`
	ConflictType   string               `json:"conflictType"`
	Resolution     string               `json:"resolution,omitempty"`
}

// ReconcileReport is the result of one reconciliation pass.
type ReconcileReport struct {
	Conflicts []*ConflictRecord      `json:"conflicts"`
	Synced    []*store.OfflineChange `json:"synced"`
}

// ResolveResult is the structured reply from ConflictManager.Resolve.
type ResolveResult struct {
	Success    bool   `json:"success"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}
