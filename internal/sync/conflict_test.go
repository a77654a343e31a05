package sync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/store"
)

func TestResolve_UnknownResolutionTypeNoMutation(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	ctx := context.Background()

	change := seedChange(t, eng.store, &store.OfflineChange{
		Endpoint:       "/finance/invoices",
		ResourceID:     "inv-1",
		LocalTimestamp: time.Now().UTC(),
	})

	// Bad resolution with a missing id: rejected before any store access.
	result := eng.conflicts.Resolve(ctx, "missing-id", "NONSENSE", nil)
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown resolution type", result.Error)

	// Bad resolution with a real id: still no mutation.
	result = eng.conflicts.Resolve(ctx, change.ID, "NONSENSE", nil)
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown resolution type", result.Error)

	kept, err := eng.store.GetChange(ctx, change.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.False(t, kept.ForceOverwrite)
	assert.JSONEq(t, `{"amount":10}`, string(kept.LocalData))
}

func TestResolve_MissingChange(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	result := eng.conflicts.Resolve(context.Background(), "no-such-id", ResolutionUseServer, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "Change not found", result.Error)
}

func TestResolve_UseServerDeletesChange(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	ctx := context.Background()

	change := seedChange(t, eng.store, &store.OfflineChange{
		Endpoint:       "/finance/invoices",
		ResourceID:     "inv-1",
		LocalTimestamp: time.Now().UTC(),
	})

	result := eng.conflicts.Resolve(ctx, change.ID, ResolutionUseServer, nil)
	assert.True(t, result.Success)
	assert.Equal(t, "USED_SERVER_VERSION", result.Resolution)

	gone, err := eng.store.GetChange(ctx, change.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "USE_SERVER always removes the change, whatever its prior state")
}

func TestResolve_UseLocalSetsForceOverwriteAndResyncs(t *testing.T) {
	var mu sync.Mutex
	var pushed bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			mu.Lock()
			pushed = true
			mu.Unlock()
		}
	}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	ctx := context.Background()

	change := seedChange(t, eng.store, &store.OfflineChange{
		Endpoint:       "/finance/invoices",
		ResourceID:     "inv-1",
		LocalTimestamp: time.Now().UTC().Add(-time.Hour),
	})

	result := eng.conflicts.Resolve(ctx, change.ID, ResolutionUseLocal, nil)
	assert.True(t, result.Success)
	assert.Equal(t, "WILL_OVERWRITE_SERVER", result.Resolution)

	// The re-triggered reconciliation honors force-overwrite and pushes
	// past the conflict check it previously failed.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pushed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		gone, err := eng.store.GetChange(ctx, change.ID)
		return err == nil && gone == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestResolve_MergeReplacesDataAndResyncs(t *testing.T) {
	serverStamp := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	var mu sync.Mutex
	var pushedBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"updated_at":"` + serverStamp + `"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		pushedBody = body
		mu.Unlock()
	}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	ctx := context.Background()

	change := seedChange(t, eng.store, &store.OfflineChange{
		Endpoint:       "/finance/invoices",
		ResourceID:     "inv-1",
		LocalTimestamp: time.Now().UTC(),
	})

	merged := json.RawMessage(`{"amount":15,"note":"merged"}`)
	result := eng.conflicts.Resolve(ctx, change.ID, ResolutionMerge, merged)
	assert.True(t, result.Success)
	assert.Equal(t, "MERGED_AND_SYNCING", result.Resolution)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pushedBody != nil
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.JSONEq(t, string(merged), string(pushedBody))
	mu.Unlock()
}

func TestResolve_MergeRequiresData(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	eng := newTestEngine(t, backend.URL)
	ctx := context.Background()

	change := seedChange(t, eng.store, &store.OfflineChange{
		Endpoint:       "/finance/invoices",
		ResourceID:     "inv-1",
		LocalTimestamp: time.Now().UTC(),
	})

	result := eng.conflicts.Resolve(ctx, change.ID, ResolutionMerge, nil)
	assert.False(t, result.Success)

	kept, err := eng.store.GetChange(ctx, change.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Nil(t, kept.MergedAt)
}
