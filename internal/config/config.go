// Package config loads attendsync configuration via viper, with live
// reload on file changes.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the engine's runtime configuration.
type Config struct {
	// DatabasePath is the embedded SQLite file location.
	DatabasePath string `mapstructure:"database_path"`

	// ServerURL is the sync server base URL.
	ServerURL string `mapstructure:"server_url"`

	// ServerToken is the bearer token for the sync server (optional).
	ServerToken string `mapstructure:"server_token"`

	// UserID and OrgID identify the device's signed-in field worker.
	UserID string `mapstructure:"user_id"`
	OrgID  string `mapstructure:"org_id"`

	// DrainInterval is how often the daemon drains the sync queue.
	DrainInterval time.Duration `mapstructure:"drain_interval"`

	// ReconcileInterval is how often the daemon pulls and merges.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`

	// LogFile is the daemon's rotated log file ("" = stderr only).
	LogFile string `mapstructure:"log_file"`

	// MonitorAddr is the live event websocket listen address ("" = off).
	MonitorAddr string `mapstructure:"monitor_addr"`

	// ShiftsPath is the TOML shift-schedule file (optional).
	ShiftsPath string `mapstructure:"shifts_path"`
}

// setDefaults registers the default value for every key so a missing or
// partial config file still yields a usable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", ".attendsync/attend.db")
	v.SetDefault("server_url", "http://localhost:8787")
	v.SetDefault("server_token", "")
	v.SetDefault("user_id", "")
	v.SetDefault("org_id", "")
	v.SetDefault("drain_interval", 30*time.Second)
	v.SetDefault("reconcile_interval", 5*time.Minute)
	v.SetDefault("log_file", "")
	v.SetDefault("monitor_addr", "")
	v.SetDefault("shifts_path", "")
}

// Load reads configuration from the given file path, falling back to
// defaults when the file is absent. Environment variables prefixed with
// ATTENDSYNC_ override file values.
//
// The returned viper instance can be handed to Watch for live reload.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ATTENDSYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// With an explicit path a missing file surfaces as a plain
			// not-exist error, not viper's search-path error type.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch re-reads the config file whenever it changes and hands the fresh
// configuration to onChange. Unparseable edits are logged and skipped; the
// previous configuration stays in effect.
func Watch(v *viper.Viper, logger *log.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Printf("Config file changed: %s", e.Name)
		cfg, err := unmarshal(v)
		if err != nil {
			logger.Printf("Warning: ignoring config change: %v", err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
