package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
)

// Queue is the offline mutation queue over the pending-action partition.
// Ids are UUIDv7: unique and monotonically orderable by enqueue time, so
// listing by id is listing in enqueue order.
type Queue struct {
	store store.Store
}

func New(st store.Store) *Queue {
	return &Queue{store: st}
}

// Enqueue stamps the action (id, enqueuedAt, retryCount=0), persists it
// synchronously and returns the generated id.
func (q *Queue) Enqueue(ctx context.Context, action *store.QueuedAction) (string, error) {
	if action.TargetURL == "" {
		return "", fmt.Errorf("action target URL is required")
	}
	if action.Method == "" {
		return "", fmt.Errorf("action method is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate action id: %w", err)
	}

	action.ID = id.String()
	action.EnqueuedAt = time.Now().UTC()
	action.RetryCount = 0
	action.LastError = ""
	action.LastAttempt = nil

	if err := q.store.CreateAction(ctx, action); err != nil {
		return "", fmt.Errorf("failed to persist queued action: %w", err)
	}

	logger.Log.Info("Queued offline action",
		zap.String("id", action.ID),
		zap.String("method", action.Method),
		zap.String("url", action.TargetURL),
	)
	return action.ID, nil
}

// ListAll returns every pending action in enqueue order.
func (q *Queue) ListAll(ctx context.Context) ([]*store.QueuedAction, error) {
	return q.store.ListActions(ctx)
}

// Remove drops a single action, typically after a successful replay.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.DeleteAction(ctx, id)
}

// RecordFailure bumps the retry bookkeeping on a failed replay. The action
// stays queued; there is no retry ceiling and no eviction.
func (q *Queue) RecordFailure(ctx context.Context, action *store.QueuedAction, cause error) error {
	now := time.Now().UTC()
	action.RetryCount++
	action.LastError = cause.Error()
	action.LastAttempt = &now
	return q.store.UpdateAction(ctx, action)
}
