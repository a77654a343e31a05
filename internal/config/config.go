package config

import (
	"time"
)

type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Upstream     UpstreamConfig  `mapstructure:"upstream"`
	Cache        CacheConfig     `mapstructure:"cache"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

func (u UpstreamConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(u.RequestTimeout)
	return d
}

type CacheConfig struct {
	Version           string   `mapstructure:"version"`
	TrustedOrigins    []string `mapstructure:"trusted_origins"`
	DataPatterns      []string `mapstructure:"data_patterns"`
	APIMarker         string   `mapstructure:"api_marker"`
	AppShell          string   `mapstructure:"app_shell"`
	PrefetchEndpoints []string `mapstructure:"prefetch_endpoints"`
}

// DataPartition is the versioned partition name for cached domain data.
func (c CacheConfig) DataPartition() string {
	return "offline-data-" + c.Version
}

// StaticPartition is the versioned partition name for cached static assets.
func (c CacheConfig) StaticPartition() string {
	return "static-cache-" + c.Version
}

// RecognizedPartitions lists every partition the current version owns.
// Anything else found in the store at activation time is stale and gets
// garbage-collected.
func (c CacheConfig) RecognizedPartitions() []string {
	return []string{c.DataPartition(), c.StaticPartition()}
}

type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

type SyncConfig struct {
	TimestampField string `mapstructure:"timestamp_field"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
