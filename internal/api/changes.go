package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"offline-sync-service/internal/store"
)

// RegisterChange stamps and persists an offline change handed over by the
// UI when a local edit could not reach the server. Missing ids and
// timestamps are filled in; supplied values are kept so a client that
// recorded the edit earlier keeps its original ordering.
func RegisterChange(ctx context.Context, st store.Store, change *store.OfflineChange) (string, error) {
	if change.Endpoint == "" {
		return "", fmt.Errorf("change endpoint is required")
	}
	if change.ResourceID == "" {
		return "", fmt.Errorf("change resource id is required")
	}
	if len(change.LocalData) == 0 {
		return "", fmt.Errorf("change local data is required")
	}

	if change.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate change id: %w", err)
		}
		change.ID = id.String()
	}
	if change.LocalTimestamp.IsZero() {
		change.LocalTimestamp = time.Now().UTC()
	}
	if change.Method == "" {
		change.Method = "PUT"
	}
	change.Method = strings.ToUpper(change.Method)
	change.ForceOverwrite = false
	change.MergedAt = nil

	if err := st.CreateChange(ctx, change); err != nil {
		return "", fmt.Errorf("failed to persist offline change: %w", err)
	}
	return change.ID, nil
}
