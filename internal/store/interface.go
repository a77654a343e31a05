package store

import (
	"context"
)

type Store interface {
	// Cache entries
	PutCache(ctx context.Context, res *CachedResource) error
	GetCache(ctx context.Context, partition, key string) (*CachedResource, error)
	ListCacheKeys(ctx context.Context, partition string) ([]string, error)
	ClearPartition(ctx context.Context, partition string) error

	// Partition lifecycle
	Provision(ctx context.Context, names []string) error
	ListPartitions(ctx context.Context) ([]string, error)
	Activate(ctx context.Context, recognized []string) ([]string, error)

	// Pending actions
	CreateAction(ctx context.Context, action *QueuedAction) error
	GetAction(ctx context.Context, id string) (*QueuedAction, error)
	ListActions(ctx context.Context) ([]*QueuedAction, error)
	UpdateAction(ctx context.Context, action *QueuedAction) error
	DeleteAction(ctx context.Context, id string) error

	// Offline changes
	CreateChange(ctx context.Context, change *OfflineChange) error
	GetChange(ctx context.Context, id string) (*OfflineChange, error)
	ListChanges(ctx context.Context) ([]*OfflineChange, error)
	UpdateChange(ctx context.Context, change *OfflineChange) error
	DeleteChange(ctx context.Context, id string) error

	// General
	Close() error
}
