package config

import (
	"path/filepath"
	"strings"
	"time"

	hubadapter "github.com/mushuanli/itookit-sub011/pkg/adapter/hub"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backends
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store, filepath.Join(getDataDir(), "device"))
	applySyncDefaults(&cfg.Sync)
	applyHubDefaults(&cfg.Hub)
	applyBackupDefaults(&cfg.Backup)
	applyGCDefaults(&cfg.GC)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyStoreDefaults fills the badger options so a generated config file
// shows them, whichever type is selected.
func applyStoreDefaults(cfg *StoreConfig, path string) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = path
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.Direction == "" {
		cfg.Direction = "bidirectional"
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = "manual"
	}
}

// applyHubDefaults mirrors the listener defaults applied by the adapter so
// they are visible in generated files and validated up front.
func applyHubDefaults(cfg *HubConfig) {
	applyListenerDefaults(&cfg.Listener)
	applyStoreDefaults(&cfg.Store, filepath.Join(getDataDir(), "hub"))
}

func applyListenerDefaults(cfg *hubadapter.HubConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}
	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if _, ok := cfg.File["path"]; !ok {
		cfg.File["path"] = filepath.Join(getDataDir(), "backups")
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
}

// getDataDir is where databases and backups live by default.
func getDataDir() string {
	return filepath.Join(getConfigDir(), "data")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Modules: []ModuleConfig{
			{Name: "notes", Description: "Personal notes", SyncEnabled: true},
		},
		Middleware: MiddlewareConfig{
			NormalizeLineEndings: true,
			ContentHash:          true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
