package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/notify"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
	"offline-sync-service/internal/upstream"
)

type testAPI struct {
	routes chi.Router
	store  store.Store
	bus    *notify.Bus
}

func newTestAPI(t *testing.T, upstreamURL string, serverCfg config.ServerConfig) *testAPI {
	t.Helper()

	st, err := store.Open(config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client, err := upstream.NewClient(config.UpstreamConfig{BaseURL: upstreamURL, RequestTimeout: "5s"})
	require.NoError(t, err)

	cacheCfg := config.CacheConfig{
		Version:      "v1",
		DataPatterns: []string{"/finance/"},
		APIMarker:    "/api/",
		AppShell:     "/index.html",
	}

	bus := notify.NewBus()
	hub := notify.NewHub(bus)
	go hub.Run()
	t.Cleanup(hub.Stop)

	q := queue.New(st)
	processor := sync.NewProcessor(config.SyncConfig{}, q, st, client, bus)
	conflicts := sync.NewConflictManager(st, processor)
	router := cache.NewRouter(cacheCfg, st, client)

	handler := NewHandler(serverCfg, router, q, processor, conflicts, st, bus, hub)
	return &testAPI{routes: handler.Routes(), store: st, bus: bus}
}

func (a *testAPI) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.routes.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})
	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestQueueAction_ReturnsIdAndLeavesCacheStatusUntouched(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})

	rec := api.do(t, http.MethodPost, "/api/v1/queue/actions", map[string]any{
		"method": "POST",
		"url":    "/x",
		"body":   map[string]any{"a": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, true, payload["success"])
	assert.NotEmpty(t, payload["id"])

	// Pending actions and the response cache are distinct partitions.
	rec = api.do(t, http.MethodGet, "/api/v1/cache/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, false, status["cached"])
	assert.Equal(t, float64(0), status["count"])
}

func TestQueueAction_Invalid(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})

	rec := api.do(t, http.MethodPost, "/api/v1/queue/actions", map[string]any{"method": "POST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, false, payload["success"])
	assert.NotEmpty(t, payload["error"])
}

func TestResolveConflict_UnknownResolution(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})

	rec := api.do(t, http.MethodPost, "/api/v1/conflicts/resolve", map[string]any{
		"changeId":   "missing-or-bad-id",
		"resolution": "NONSENSE",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "Unknown resolution type", payload["error"])
}

func TestTriggerSync_ValidatesTag(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()
	api := newTestAPI(t, backend.URL, config.ServerConfig{})

	rec := api.do(t, http.MethodPost, "/api/v1/sync/trigger", map[string]any{"tag": "sync-nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/sync/trigger", map[string]any{"tag": "sync-finance-data"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/sync/trigger", map[string]any{"tag": "sync-offline-changes"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})
	rec := api.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decode(t, rec)["status"])
}

func TestClearCache(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})
	rec := api.do(t, http.MethodDelete, "/api/v1/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
}

func TestQueueChangeAndListConflicts(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})

	rec := api.do(t, http.MethodPost, "/api/v1/changes", map[string]any{
		"endpoint":   "/finance/invoices",
		"resourceId": "inv-1",
		"localData":  map[string]any{"amount": 10},
		"method":     "put",
		"token":      "tok",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode(t, rec)
	assert.Equal(t, true, created["success"])
	require.NotEmpty(t, created["id"])

	rec = api.do(t, http.MethodGet, "/api/v1/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode(t, rec)
	assert.Equal(t, float64(1), listed["count"])
}

func TestPushNotification_PublishesEvent(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{})

	events, cancel := api.bus.Subscribe()
	defer cancel()

	rec := api.do(t, http.MethodPost, "/api/v1/push", map[string]any{
		"message": "Invoice approved",
		"tag":     "invoice",
		"url":     "/finance/invoices/inv-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case event := <-events:
		assert.Equal(t, notify.TypePush, event.Type)
		payload, ok := event.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Notification", payload["title"], "missing title gets defaulted")
		assert.Equal(t, "Invoice approved", payload["body"])
	case <-time.After(time.Second):
		t.Fatal("expected a PUSH event")
	}
}

func TestAuthMiddleware_GuardsControlAPI(t *testing.T) {
	api := newTestAPI(t, "http://localhost:1", config.ServerConfig{AuthToken: "secret"})

	rec := api.do(t, http.MethodGet, "/api/v1/sync/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	api.routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyCatchAll_RoutesInterceptedTraffic(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer backend.Close()

	api := newTestAPI(t, backend.URL, config.ServerConfig{})

	rec := api.do(t, http.MethodGet, "/finance/dashboard", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/cache/status", nil)
	status := decode(t, rec)
	assert.Equal(t, true, status["cached"], "intercepted domain-data GET lands in the cache")
}
