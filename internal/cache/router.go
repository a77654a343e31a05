package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/upstream"
)

// offlineMessage is the user-facing text of the offline envelope.
const offlineMessage = "You are offline and this data has not been cached yet."

type strategy int

const (
	passThrough strategy = iota
	networkFirst
	staleWhileRevalidate
)

// Router intercepts requests, classifies each one and applies the matching
// caching strategy. It never fails the caller: every path, including
// upstream network failure, produces a well-formed response.
type Router struct {
	cfg    config.CacheConfig
	store  store.Store
	client *upstream.Client
}

func NewRouter(cfg config.CacheConfig, st store.Store, client *upstream.Client) *Router {
	return &Router{cfg: cfg, store: st, client: client}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch rt.classify(r) {
	case networkFirst:
		rt.serveNetworkFirst(w, r)
	case staleWhileRevalidate:
		rt.serveStaleWhileRevalidate(w, r)
	default:
		rt.proxy(w, r)
	}
}

// classify decides the strategy. Mutating requests and untrusted hosts
// always pass through; queuing failed mutations is the caller's job, not
// this layer's.
func (rt *Router) classify(r *http.Request) strategy {
	if r.Method != http.MethodGet {
		return passThrough
	}
	if !rt.trustedOrigin(r) {
		return passThrough
	}

	path := r.URL.Path
	for _, pattern := range rt.cfg.DataPatterns {
		if strings.Contains(path, pattern) {
			return networkFirst
		}
	}
	if rt.cfg.APIMarker != "" && strings.Contains(path, rt.cfg.APIMarker) {
		return passThrough
	}
	return staleWhileRevalidate
}

func (rt *Router) trustedOrigin(r *http.Request) bool {
	if len(rt.cfg.TrustedOrigins) == 0 {
		return true
	}
	for _, origin := range rt.cfg.TrustedOrigins {
		if strings.EqualFold(r.Host, origin) {
			return true
		}
	}
	return false
}

// cacheKey is the full request URL path plus query, matching how the
// data was requested.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// --- Network-first (domain data) ---

func (rt *Router) serveNetworkFirst(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)

	resp, err := rt.client.Do(r.Context(), http.MethodGet, key, singleHeaders(r.Header), nil)
	if err != nil {
		rt.serveFromDataCache(w, r, key)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rt.serveFromDataCache(w, r, key)
		return
	}

	if resp.StatusCode == http.StatusOK {
		rt.put(r.Context(), rt.cfg.DataPartition(), key, resp, body)
	}

	writeRaw(w, resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

func (rt *Router) serveFromDataCache(w http.ResponseWriter, r *http.Request, key string) {
	cached, err := rt.store.GetCache(r.Context(), rt.cfg.DataPartition(), key)
	if err != nil {
		logger.Log.Error("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached == nil {
		writeOfflineEnvelope(w)
		return
	}

	w.Header().Set("X-Served-From", "cache")
	writeRaw(w, cached.Status, cached.ContentType, tagOffline(cached.Body))
}

// tagOffline marks a cached JSON body with offline:true so the UI knows it
// is not looking at live data. Non-object bodies are returned as-is; the
// X-Served-From header still signals the fallback.
func tagOffline(body []byte) []byte {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	payload["offline"] = true
	tagged, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return tagged
}

// writeOfflineEnvelope synthesizes the structured degraded-service reply
// used when neither network nor cache can satisfy a domain-data request.
func writeOfflineEnvelope(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"offline": true,
		"message": offlineMessage,
		"data":    []any{},
	})
}

// --- Stale-while-revalidate (static assets) ---

func (rt *Router) serveStaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)
	partition := rt.cfg.StaticPartition()

	cached, err := rt.store.GetCache(r.Context(), partition, key)
	if err != nil {
		logger.Log.Error("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		headers := singleHeaders(r.Header)
		go rt.revalidate(key, headers)
		writeRaw(w, cached.Status, cached.ContentType, cached.Body)
		return
	}

	resp, err := rt.client.Do(r.Context(), http.MethodGet, key, singleHeaders(r.Header), nil)
	if err != nil {
		if isNavigation(r) && rt.serveShell(w, r) {
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	if resp.StatusCode == http.StatusOK {
		rt.put(r.Context(), partition, key, resp, body)
	}
	writeRaw(w, resp.StatusCode, resp.Header.Get("Content-Type"), body)
}

// revalidate refreshes a cache entry in the background. It runs on its own
// context: the originating request has already been answered.
func (rt *Router) revalidate(key string, headers map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := rt.client.Do(ctx, http.MethodGet, key, headers, nil)
	if err != nil {
		logger.Log.Debug("Background revalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	rt.put(ctx, rt.cfg.StaticPartition(), key, resp, body)
}

// serveShell answers a navigation request with the cached application
// shell when the network is gone entirely.
func (rt *Router) serveShell(w http.ResponseWriter, r *http.Request) bool {
	shell, err := rt.store.GetCache(r.Context(), rt.cfg.StaticPartition(), rt.cfg.AppShell)
	if err != nil || shell == nil {
		return false
	}
	writeRaw(w, shell.Status, shell.ContentType, shell.Body)
	return true
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// --- Pass-through proxy ---

func (rt *Router) proxy(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	resp, err := rt.client.Do(r.Context(), r.Method, r.URL.RequestURI(), singleHeaders(r.Header), body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// --- Cache commands (prefetch / status / clear) ---

type PrefetchResult struct {
	Endpoint string `json:"endpoint"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Prefetch warms the domain-data partition from the configured endpoint
// list. Each endpoint succeeds or fails independently.
func (rt *Router) Prefetch(ctx context.Context, token string) []PrefetchResult {
	results := make([]PrefetchResult, 0, len(rt.cfg.PrefetchEndpoints))
	for _, endpoint := range rt.cfg.PrefetchEndpoints {
		result := PrefetchResult{Endpoint: endpoint}

		status, body, err := rt.client.Get(ctx, endpoint, token)
		switch {
		case err != nil:
			result.Error = err.Error()
		case status != http.StatusOK:
			result.Error = http.StatusText(status)
		default:
			entry := &store.CachedResource{
				Key:         endpoint,
				Partition:   rt.cfg.DataPartition(),
				Body:        body,
				Status:      status,
				ContentType: "application/json",
				FetchedAt:   time.Now().UTC(),
			}
			if err := rt.store.PutCache(ctx, entry); err != nil {
				result.Error = err.Error()
			} else {
				result.Success = true
			}
		}
		results = append(results, result)
	}
	return results
}

type Status struct {
	Cached    bool     `json:"cached"`
	Endpoints []string `json:"endpoints"`
	Count     int      `json:"count"`
}

// DataStatus reports what the domain-data partition currently holds.
func (rt *Router) DataStatus(ctx context.Context) (*Status, error) {
	keys, err := rt.store.ListCacheKeys(ctx, rt.cfg.DataPartition())
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return &Status{Cached: len(keys) > 0, Endpoints: keys, Count: len(keys)}, nil
}

// ClearData drops every entry in the domain-data partition.
func (rt *Router) ClearData(ctx context.Context) error {
	return rt.store.ClearPartition(ctx, rt.cfg.DataPartition())
}

// --- Helpers ---

func (rt *Router) put(ctx context.Context, partition, key string, resp *http.Response, body []byte) {
	entry := &store.CachedResource{
		Key:         key,
		Partition:   partition,
		Body:        body,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
	}
	if err := rt.store.PutCache(ctx, entry); err != nil {
		logger.Log.Error("Failed to cache response", zap.String("key", key), zap.Error(err))
	}
}

func singleHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name := range h {
		headers[name] = h.Get(name)
	}
	return headers
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   err.Error(),
	})
}
