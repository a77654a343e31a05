package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"offline-sync-service/internal/cache"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/notify"
	"offline-sync-service/internal/queue"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

type Handler struct {
	cfg       config.ServerConfig
	router    *cache.Router
	queue     *queue.Queue
	processor *sync.Processor
	conflicts *sync.ConflictManager
	store     store.Store
	bus       *notify.Bus
	hub       *notify.Hub
}

func NewHandler(
	cfg config.ServerConfig,
	router *cache.Router,
	q *queue.Queue,
	processor *sync.Processor,
	conflicts *sync.ConflictManager,
	st store.Store,
	bus *notify.Bus,
	hub *notify.Hub,
) *Handler {
	return &Handler{
		cfg:       cfg,
		router:    router,
		queue:     q,
		processor: processor,
		conflicts: conflicts,
		store:     st,
		bus:       bus,
		hub:       hub,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ws", h.hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Get("/sync/status", h.GetSyncStatus)

		r.Get("/cache/status", h.GetCacheStatus)
		r.Post("/cache/prefetch", h.PrefetchData)
		r.Delete("/cache", h.ClearCache)

		r.Post("/queue/actions", h.QueueAction)
		r.Post("/changes", h.QueueChange)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/resolve", h.ResolveConflict)

		r.Post("/push", h.PushNotification)
	})

	// Everything else is intercepted traffic for the cache router.
	r.Handle("/*", h.router)

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TriggerSync is the connectivity-restored signal. The tag picks the
// entry point; the work itself runs in the background.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	if body.Tag != sync.TagReplayQueue && body.Tag != sync.TagReconcileChanges {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown sync tag"})
		return
	}

	tag := body.Tag
	go func() {
		// The request context dies with this handler; the sync pass gets
		// its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := h.processor.Trigger(ctx, tag); err != nil {
			logger.Log.Error("Sync trigger failed", zap.String("tag", tag), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "tag": tag})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": h.processor.Status()})
}

func (h *Handler) GetCacheStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.router.DataStatus(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) PrefetchData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	results := h.router.Prefetch(r.Context(), body.Token)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.router.ClearData(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) QueueAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetURL string            `json:"targetUrl"`
		URL       string            `json:"url"`
		Method    string            `json:"method"`
		Headers   map[string]string `json:"headers"`
		Body      json.RawMessage   `json:"body"`
		Token     string            `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	target := body.TargetURL
	if target == "" {
		target = body.URL
	}
	headers := body.Headers
	if body.Token != "" {
		if headers == nil {
			headers = map[string]string{}
		}
		if _, ok := headers["Authorization"]; !ok {
			headers["Authorization"] = "Bearer " + body.Token
		}
	}

	action := &store.QueuedAction{
		TargetURL: target,
		Method:    strings.ToUpper(body.Method),
		Headers:   headers,
		Body:      body.Body,
	}

	id, err := h.queue.Enqueue(r.Context(), action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *Handler) QueueChange(w http.ResponseWriter, r *http.Request) {
	var change store.OfflineChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	id, err := RegisterChange(r.Context(), h.store, &change)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	changes, err := h.store.ListChanges(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if changes == nil {
		changes = []*store.OfflineChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "count": len(changes)})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChangeID   string          `json:"changeId"`
		Resolution string          `json:"resolution"`
		MergedData json.RawMessage `json:"mergedData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	result := h.conflicts.Resolve(r.Context(), body.ChangeID, body.Resolution, body.MergedData)
	writeJSON(w, http.StatusOK, result)
}

// PushNotification accepts an inbound push payload and republishes it on
// the notification channel; rendering is the UI layer's concern.
func (h *Handler) PushNotification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title   string `json:"title"`
		Body    string `json:"body"`
		Message string `json:"message"`
		Tag     string `json:"tag"`
		URL     string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}

	if body.Title == "" {
		body.Title = "Notification"
	}
	text := body.Body
	if text == "" {
		text = body.Message
	}

	h.bus.Publish(notify.Event{
		Type: notify.TypePush,
		Payload: map[string]any{
			"title":   body.Title,
			"body":    text,
			"tag":     body.Tag,
			"url":     body.URL,
			"actions": []string{"view", "dismiss"},
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware guards the control API with the configured static token.
// Tokens on intercepted traffic are opaque pass-through; this check only
// covers the command surface.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != h.cfg.AuthToken {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
