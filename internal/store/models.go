package store

import (
	"encoding/json"
	"time"
)

// CachedResource is one cached response body. A key lives in exactly one
// partition; the (partition, key) pair is the primary key.
type CachedResource struct {
	Key         string    `json:"key" db:"cache_key"`
	Partition   string    `json:"partition" db:"partition_name"`
	Body        []byte    `json:"-" db:"body"`
	Status      int       `json:"status" db:"status"`
	ContentType string    `json:"contentType" db:"content_type"`
	FetchedAt   time.Time `json:"fetchedAt" db:"fetched_at"`
}

// QueuedAction is a failed mutating request parked for replay.
// RetryCount, LastError and LastAttempt are touched only by the sync
// processor on a failed replay; the record is deleted on success.
type QueuedAction struct {
	ID          string            `json:"id" db:"id"`
	TargetURL   string            `json:"targetUrl" db:"target_url"`
	Method      string            `json:"method" db:"method"`
	Headers     map[string]string `json:"headers,omitempty" db:"headers"`
	Body        json.RawMessage   `json:"body,omitempty" db:"body"`
	EnqueuedAt  time.Time         `json:"enqueuedAt" db:"enqueued_at"`
	RetryCount  int               `json:"retryCount" db:"retry_count"`
	LastError   string            `json:"lastError,omitempty" db:"last_error"`
	LastAttempt *time.Time        `json:"lastAttempt,omitempty" db:"last_attempt"`
}

// OfflineChange is a local edit that could not reach the server. It is
// deleted when successfully pushed, or when resolved with USE_SERVER.
type OfflineChange struct {
	ID             string          `json:"id" db:"id"`
	Endpoint       string          `json:"endpoint" db:"endpoint"`
	ResourceID     string          `json:"resourceId" db:"resource_id"`
	LocalData      json.RawMessage `json:"localData" db:"local_data"`
	LocalTimestamp time.Time       `json:"localTimestamp" db:"local_timestamp"`
	Method         string          `json:"method" db:"method"`
	Token          string          `json:"token,omitempty" db:"token"`
	ForceOverwrite bool            `json:"forceOverwrite" db:"force_overwrite"`
	MergedAt       *time.Time      `json:"mergedAt,omitempty" db:"merged_at"`
}
