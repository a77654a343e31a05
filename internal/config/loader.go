package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the YAML config at path, applies defaults and
// environment overrides (e.g. OSS_SERVER_PORT), and unmarshals it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("upstream.request_timeout", "0s")
	v.SetDefault("cache.version", "v1")
	v.SetDefault("cache.api_marker", "/api/")
	v.SetDefault("cache.app_shell", "/index.html")
	v.SetDefault("state_storage.type", "sqlite")
	v.SetDefault("state_storage.file_path", "offline-sync.db")
	v.SetDefault("sync.timestamp_field", "updated_at")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("OSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream.base_url is required")
	}

	return &cfg, nil
}
