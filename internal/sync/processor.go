package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/notify"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/upstream"
)

// Processor is the background sync engine. Its two entry points — replay
// and reconcile — may be triggered concurrently; de-duplication is only
// "delete on success", which makes delivery at-least-once. Target
// endpoints must tolerate duplicate submissions.
type Processor struct {
	cfg      config.SyncConfig
	queue    *queue.Queue
	store    store.Store
	client   *upstream.Client
	bus      *notify.Bus
	mu       sync.Mutex
	inflight int
}

func NewProcessor(cfg config.SyncConfig, q *queue.Queue, st store.Store, client *upstream.Client, bus *notify.Bus) *Processor {
	return &Processor{
		cfg:    cfg,
		queue:  q,
		store:  st,
		client: client,
		bus:    bus,
	}
}

// Trigger maps a connectivity-restored tag to the matching entry point.
func (p *Processor) Trigger(ctx context.Context, tag string) error {
	switch tag {
	case TagReplayQueue:
		_, err := p.ReplayPending(ctx)
		return err
	case TagReconcileChanges:
		_, err := p.ReconcileChanges(ctx)
		return err
	default:
		return fmt.Errorf("unknown sync tag %q", tag)
	}
}

// Status reports whether any sync pass is in flight.
func (p *Processor) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight > 0 {
		return "running"
	}
	return "idle"
}

func (p *Processor) begin() {
	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()
}

func (p *Processor) end() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
}

// ReplayPending drains the mutation queue sequentially. Sequential on
// purpose: it bounds load on the backend and preserves per-endpoint
// enqueue order. Once an action's replay starts it runs to completion;
// there is no mid-flight abort.
func (p *Processor) ReplayPending(ctx context.Context) ([]ReplayResult, error) {
	p.begin()
	defer p.end()

	actions, err := p.queue.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}

	logger.Log.Info("Replaying pending actions", zap.Int("count", len(actions)))

	results := make([]ReplayResult, 0, len(actions))
	for _, action := range actions {
		results = append(results, p.replayOne(ctx, action))
	}

	p.bus.Publish(notify.Event{
		Type:    notify.TypeSyncComplete,
		Payload: map[string]any{"results": results},
	})
	return results, nil
}

func (p *Processor) replayOne(ctx context.Context, action *store.QueuedAction) ReplayResult {
	headers := make(map[string]string, len(action.Headers)+1)
	for name, value := range action.Headers {
		headers[name] = value
	}
	// Tolerant backends can dedupe overlapping replays on this id.
	headers["X-Offline-Replay-Id"] = action.ID

	resp, err := p.client.Do(ctx, action.Method, action.TargetURL, headers, []byte(action.Body))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < http.StatusBadRequest {
			if removeErr := p.queue.Remove(ctx, action.ID); removeErr != nil {
				logger.Log.Error("Failed to remove replayed action",
					zap.String("id", action.ID), zap.Error(removeErr))
			}
			return ReplayResult{Action: action, Success: true, Status: resp.StatusCode}
		}
		err = fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	if updateErr := p.queue.RecordFailure(ctx, action, err); updateErr != nil {
		logger.Log.Error("Failed to record replay failure",
			zap.String("id", action.ID), zap.Error(updateErr))
	}
	logger.Log.Warn("Replay failed",
		zap.String("id", action.ID),
		zap.String("url", action.TargetURL),
		zap.Int("retryCount", action.RetryCount),
		zap.Error(err),
	)
	return ReplayResult{Action: action, Success: false, Error: err.Error()}
}

// ReconcileChanges pushes offline changes against authoritative server
// state. A change whose server snapshot is strictly newer is classified
// SERVER_NEWER and left persisted for manual resolution; everything else
// is pushed optimistically.
func (p *Processor) ReconcileChanges(ctx context.Context) (*ReconcileReport, error) {
	p.begin()
	defer p.end()

	changes, err := p.store.ListChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline changes: %w", err)
	}

	logger.Log.Info("Reconciling offline changes", zap.Int("count", len(changes)))

	report := &ReconcileReport{
		Conflicts: []*ConflictRecord{},
		Synced:    []*store.OfflineChange{},
	}

	for _, change := range changes {
		// The force-overwrite branch comes first: a USE_LOCAL resolution
		// bypasses the timestamp comparison it previously failed.
		if !change.ForceOverwrite {
			snapshot := p.fetchSnapshot(ctx, change)
			if conflict := detectConflict(change, snapshot, p.timestampField()); conflict != nil {
				logger.Log.Info("Conflict detected",
					zap.String("changeId", change.ID),
					zap.String("resource", change.ResourceID),
					zap.String("type", conflict.ConflictType),
				)
				report.Conflicts = append(report.Conflicts, conflict)
				continue
			}
		}

		if p.pushChange(ctx, change) {
			report.Synced = append(report.Synced, change)
		}
	}

	if len(report.Conflicts) > 0 {
		p.bus.Publish(notify.Event{
			Type: notify.TypeSyncConflicts,
			Payload: map[string]any{
				"conflicts": report.Conflicts,
				"synced":    report.Synced,
			},
		})
	}
	return report, nil
}

// fetchSnapshot loads the authoritative server state for a change. Any
// failure — network, non-200, empty body — reads as "no conflict
// detected": the change will be pushed optimistically.
func (p *Processor) fetchSnapshot(ctx context.Context, change *store.OfflineChange) json.RawMessage {
	target := joinPath(change.Endpoint, change.ResourceID)
	status, body, err := p.client.Get(ctx, target, change.Token)
	if err != nil {
		logger.Log.Debug("Snapshot fetch failed, pushing optimistically",
			zap.String("changeId", change.ID), zap.Error(err))
		return nil
	}
	if status != http.StatusOK || len(body) == 0 {
		return nil
	}
	return body
}

func (p *Processor) pushChange(ctx context.Context, change *store.OfflineChange) bool {
	target := joinPath(change.Endpoint, change.ResourceID)
	status, _, err := p.client.Push(ctx, change.Method, target, change.Token, []byte(change.LocalData))
	if err == nil && status < http.StatusBadRequest {
		if deleteErr := p.store.DeleteChange(ctx, change.ID); deleteErr != nil {
			logger.Log.Error("Failed to remove synced change",
				zap.String("changeId", change.ID), zap.Error(deleteErr))
		}
		return true
	}

	if err == nil {
		err = fmt.Errorf("upstream returned status %d", status)
	}
	logger.Log.Warn("Failed to push offline change",
		zap.String("changeId", change.ID), zap.Error(err))
	return false
}

func (p *Processor) timestampField() string {
	if p.cfg.TimestampField != "" {
		return p.cfg.TimestampField
	}
	return "updated_at"
}

// detectConflict compares the server snapshot timestamp to the local edit.
// Only a strictly newer server timestamp is a conflict.
func detectConflict(change *store.OfflineChange, snapshot json.RawMessage, field string) *ConflictRecord {
	if snapshot == nil {
		return nil
	}
	serverTime, ok := extractTimestamp(snapshot, field)
	if !ok {
		return nil
	}
	if !serverTime.After(change.LocalTimestamp) {
		return nil
	}
	return &ConflictRecord{
		Change:         change,
		ServerSnapshot: snapshot,
		ConflictType:   ConflictServerNewer,
	}
}

// extractTimestamp probes the snapshot for the configured timestamp field,
// at the top level first and then under a "data" envelope. String values
// parse as RFC 3339, numbers as unix seconds.
func extractTimestamp(snapshot json.RawMessage, field string) (time.Time, bool) {
	var payload map[string]any
	if err := json.Unmarshal(snapshot, &payload); err != nil {
		return time.Time{}, false
	}

	value, ok := payload[field]
	if !ok {
		if data, isMap := payload["data"].(map[string]any); isMap {
			value, ok = data[field]
		}
	}
	if !ok {
		return time.Time{}, false
	}

	switch v := value.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
			return t, true
		}
	case float64:
		return time.Unix(int64(v), 0), true
	}
	return time.Time{}, false
}

func joinPath(endpoint, resourceID string) string {
	if resourceID == "" {
		return endpoint
	}
	return strings.TrimRight(endpoint, "/") + "/" + resourceID
}
