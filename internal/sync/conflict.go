package sync

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// ConflictManager applies a caller-chosen resolution policy to a change
// that lost the timestamp comparison. Semantic merging is the caller's
// job: MERGE takes already-merged data and just stores it.
type ConflictManager struct {
	store     store.Store
	processor *Processor
}

func NewConflictManager(st store.Store, processor *Processor) *ConflictManager {
	return &ConflictManager{store: st, processor: processor}
}

// Resolve applies one of the three policies. Any unrecognized resolution
// is rejected before the store is touched.
func (cm *ConflictManager) Resolve(ctx context.Context, changeID, resolution string, mergedData json.RawMessage) *ResolveResult {
	switch resolution {
	case ResolutionUseServer, ResolutionUseLocal, ResolutionMerge:
	default:
		return &ResolveResult{Success: false, Error: "Unknown resolution type"}
	}

	change, err := cm.store.GetChange(ctx, changeID)
	if err != nil {
		return &ResolveResult{Success: false, Error: err.Error()}
	}
	if change == nil {
		return &ResolveResult{Success: false, Error: "Change not found"}
	}

	switch resolution {
	case ResolutionUseServer:
		// The server already has the authoritative state; drop ours.
		if err := cm.store.DeleteChange(ctx, change.ID); err != nil {
			return &ResolveResult{Success: false, Error: err.Error()}
		}
		logger.Log.Info("Conflict resolved with server version", zap.String("changeId", change.ID))
		return &ResolveResult{Success: true, Resolution: "USED_SERVER_VERSION"}

	case ResolutionUseLocal:
		change.ForceOverwrite = true
		if err := cm.store.UpdateChange(ctx, change); err != nil {
			return &ResolveResult{Success: false, Error: err.Error()}
		}
		cm.resync()
		logger.Log.Info("Conflict resolved with local overwrite", zap.String("changeId", change.ID))
		return &ResolveResult{Success: true, Resolution: "WILL_OVERWRITE_SERVER"}

	default: // ResolutionMerge
		if len(mergedData) == 0 {
			return &ResolveResult{Success: false, Error: "Merged data is required"}
		}
		now := time.Now().UTC()
		change.LocalData = mergedData
		change.MergedAt = &now
		if err := cm.store.UpdateChange(ctx, change); err != nil {
			return &ResolveResult{Success: false, Error: err.Error()}
		}
		cm.resync()
		logger.Log.Info("Conflict resolved with merge", zap.String("changeId", change.ID))
		return &ResolveResult{Success: true, Resolution: "MERGED_AND_SYNCING"}
	}
}

// resync re-triggers reconciliation so a freshly resolved change is pushed
// without waiting for the next connectivity signal. Fire-and-forget; the
// change is durable either way.
func (cm *ConflictManager) resync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := cm.processor.ReconcileChanges(ctx); err != nil {
			logger.Log.Error("Post-resolution sync failed", zap.Error(err))
		}
	}()
}
