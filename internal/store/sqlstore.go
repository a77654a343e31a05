package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

//go:embed schema.sql
var schemaSQL string

// SQLStore backs the partitioned store with database/sql. The default
// backend is a local SQLite file; state_storage.type selects MySQL for
// deployments that keep engine state in a shared database. The SQL is
// written to the dialect both drivers accept.
type SQLStore struct {
	db *sql.DB
}

// Open connects the configured backend, bootstraps the schema (idempotent)
// and returns the store. An open failure is the caller's problem; the
// engine does not retry opens.
func Open(cfg config.StateStorage) (*SQLStore, error) {
	switch cfg.Type {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg.FilePath)
	case "mysql":
		return openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported state storage type %q", cfg.Type)
	}
}

func openSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite store: %w", err)
	}

	// Single writer avoids SQLITE_BUSY under concurrent tasks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func openMySQL(cfg config.StateStorage) (*SQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql store: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for state DB...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping mysql after retries: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- Cache entries ---

// PutCache writes an entry under last-writer-wins semantics. The
// delete-then-insert pair is the portable upsert; racing writers may
// interleave, which is the documented behavior for cache keys.
func (s *SQLStore) PutCache(ctx context.Context, res *CachedResource) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition_name = ? AND cache_key = ?`,
		res.Partition, res.Key)
	if err != nil {
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, partition_name, body, status, content_type, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.Key, res.Partition, res.Body, res.Status, res.ContentType, res.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

func (s *SQLStore) GetCache(ctx context.Context, partition, key string) (*CachedResource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, partition_name, body, status, content_type, fetched_at
		 FROM cache_entries WHERE partition_name = ? AND cache_key = ?`,
		partition, key)

	var res CachedResource
	err := row.Scan(&res.Key, &res.Partition, &res.Body, &res.Status, &res.ContentType, &res.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *SQLStore) ListCacheKeys(ctx context.Context, partition string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cache_key FROM cache_entries WHERE partition_name = ? ORDER BY cache_key`,
		partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLStore) ClearPartition(ctx context.Context, partition string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition_name = ?`, partition)
	return err
}

// --- Partition lifecycle ---

func (s *SQLStore) Provision(ctx context.Context, names []string) error {
	for _, name := range names {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM partitions WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to provision partition %s: %w", name, err)
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO partitions (name, provisioned_at) VALUES (?, ?)`,
			name, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to provision partition %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLStore) ListPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Activate garbage-collects every partition whose name is not in the
// recognized set, dropping its registry row and all of its cache entries.
// Returns the names it deleted. Pending actions and offline changes live
// in their own tables and are never touched here.
func (s *SQLStore) Activate(ctx context.Context, recognized []string) ([]string, error) {
	existing, err := s.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(recognized))
	for _, name := range recognized {
		keep[name] = true
	}

	var stale []string
	for _, name := range existing {
		if !keep[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stale)), ",")
	args := make([]any, len(stale))
	for i, name := range stale {
		args[i] = name
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE partition_name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stale cache entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM partitions WHERE name IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stale partitions: %w", err)
	}

	return stale, nil
}

// --- Pending actions ---

func (s *SQLStore) CreateAction(ctx context.Context, action *QueuedAction) error {
	headers, err := json.Marshal(action.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode action headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, target_url, method, headers, body, enqueued_at, retry_count, last_error, last_attempt)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID,
		action.TargetURL,
		action.Method,
		string(headers),
		[]byte(action.Body),
		action.EnqueuedAt,
		action.RetryCount,
		nullString(action.LastError),
		nullTime(action.LastAttempt),
	)
	return err
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (*QueuedAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target_url, method, headers, body, enqueued_at, retry_count, last_error, last_attempt
		 FROM pending_actions WHERE id = ?`, id)

	action, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return action, nil
}

// ListActions returns pending actions in enqueue order. Ids are UUIDv7, so
// lexicographic id order is enqueue-time order.
func (s *SQLStore) ListActions(ctx context.Context) ([]*QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_url, method, headers, body, enqueued_at, retry_count, last_error, last_attempt
		 FROM pending_actions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

func (s *SQLStore) UpdateAction(ctx context.Context, action *QueuedAction) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET retry_count = ?, last_error = ?, last_attempt = ? WHERE id = ?`,
		action.RetryCount,
		nullString(action.LastError),
		nullTime(action.LastAttempt),
		action.ID,
	)
	return err
}

func (s *SQLStore) DeleteAction(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	return err
}

// --- Offline changes ---

func (s *SQLStore) CreateChange(ctx context.Context, change *OfflineChange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_changes (id, endpoint, resource_id, local_data, local_timestamp, method, token, force_overwrite, merged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.ID,
		change.Endpoint,
		change.ResourceID,
		[]byte(change.LocalData),
		change.LocalTimestamp,
		change.Method,
		change.Token,
		change.ForceOverwrite,
		nullTime(change.MergedAt),
	)
	return err
}

func (s *SQLStore) GetChange(ctx context.Context, id string) (*OfflineChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, endpoint, resource_id, local_data, local_timestamp, method, token, force_overwrite, merged_at
		 FROM offline_changes WHERE id = ?`, id)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (s *SQLStore) ListChanges(ctx context.Context) ([]*OfflineChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint, resource_id, local_data, local_timestamp, method, token, force_overwrite, merged_at
		 FROM offline_changes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*OfflineChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func (s *SQLStore) UpdateChange(ctx context.Context, change *OfflineChange) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_changes SET local_data = ?, force_overwrite = ?, merged_at = ? WHERE id = ?`,
		[]byte(change.LocalData),
		change.ForceOverwrite,
		nullTime(change.MergedAt),
		change.ID,
	)
	return err
}

func (s *SQLStore) DeleteChange(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_changes WHERE id = ?`, id)
	return err
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*QueuedAction, error) {
	var (
		action      QueuedAction
		headers     string
		body        []byte
		lastError   sql.NullString
		lastAttempt sql.NullTime
	)
	err := row.Scan(
		&action.ID,
		&action.TargetURL,
		&action.Method,
		&headers,
		&body,
		&action.EnqueuedAt,
		&action.RetryCount,
		&lastError,
		&lastAttempt,
	)
	if err != nil {
		return nil, err
	}

	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &action.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode action headers: %w", err)
		}
	}
	if len(body) > 0 {
		action.Body = json.RawMessage(body)
	}
	action.LastError = lastError.String
	if lastAttempt.Valid {
		t := lastAttempt.Time
		action.LastAttempt = &t
	}
	return &action, nil
}

func scanChange(row rowScanner) (*OfflineChange, error) {
	var (
		change   OfflineChange
		data     []byte
		mergedAt sql.NullTime
	)
	err := row.Scan(
		&change.ID,
		&change.Endpoint,
		&change.ResourceID,
		&data,
		&change.LocalTimestamp,
		&change.Method,
		&change.Token,
		&change.ForceOverwrite,
		&mergedAt,
	)
	if err != nil {
		return nil, err
	}

	change.LocalData = json.RawMessage(data)
	if mergedAt.Valid {
		t := mergedAt.Time
		change.MergedAt = &t
	}
	return &change, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
