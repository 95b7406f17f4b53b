package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	hubadapter "github.com/mushuanli/itookit-sub011/pkg/adapter/hub"
)

// Config represents the complete notevfs configuration.
//
// One file configures both roles of the binary:
//   - a device: the local note store, its modules, middleware and the sync
//     engine that talks to a hub
//   - a hub: the listener devices connect to and the store holding the
//     shared change log
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NOTEVFS_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each backend defines its own option type. StoreConfig carries one map per
// backend and only the map matching Type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains process-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Store selects the device database
	Store StoreConfig `mapstructure:"store"`

	// Device identifies this replica
	Device DeviceConfig `mapstructure:"device"`

	// Modules are mounted at startup when missing
	Modules []ModuleConfig `mapstructure:"modules" validate:"dive"`

	// Middleware enables the built-in content hooks
	Middleware MiddlewareConfig `mapstructure:"middleware"`

	// Sync configures the sync engine of this device
	Sync SyncConfig `mapstructure:"sync"`

	// Hub configures the hub role
	Hub HubConfig `mapstructure:"hub"`

	// Backup selects where exports are written
	Backup BackupConfig `mapstructure:"backup"`

	// GC configures the background collector of the device store
	GC GCConfig `mapstructure:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics exposes Prometheus metrics over HTTP
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=0,max=65535"`
}

// StoreConfig specifies a key-value backend.
type StoreConfig struct {
	// Type specifies which backend to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger contains badger options (path, in_memory, block_cache_size_mb,
	// index_cache_size_mb, sync_writes). Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// DeviceConfig identifies this replica.
type DeviceConfig struct {
	// ID is stored in the database on first start. Leave empty to generate
	// one; a non-empty ID must match the stored one.
	ID string `mapstructure:"id"`
}

// ModuleConfig describes a module mounted at startup.
type ModuleConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Description string `mapstructure:"description"`
	Protected   bool   `mapstructure:"protected"`
	SyncEnabled bool   `mapstructure:"sync_enabled"`
}

// MiddlewareConfig enables the built-in middleware. Hooks run in the order
// max_size, read_only_paths, normalize_line_endings, content_hash.
type MiddlewareConfig struct {
	// MaxSize rejects content larger than this many bytes; 0 disables
	MaxSize int `mapstructure:"max_size" validate:"min=0"`

	// ReadOnlyPaths are globs over canonical paths, e.g. "/journal/archive/**"
	ReadOnlyPaths []string `mapstructure:"read_only_paths"`

	NormalizeLineEndings bool `mapstructure:"normalize_line_endings"`
	ContentHash          bool `mapstructure:"content_hash"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// Enabled connects to the hub on serve and runs AutoSync
	Enabled bool `mapstructure:"enabled"`

	// URL of the hub: http(s):// for request/response, ws(s):// for a
	// persistent connection
	URL string `mapstructure:"url"`

	// Token is sent as a bearer token
	Token string `mapstructure:"token"`

	// Timeout bounds each request
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// Interval between automatic passes; 0 runs passes only on hub
	// notifications
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// BatchSize is the number of changes per request
	BatchSize int `mapstructure:"batch_size" validate:"min=0"`

	// Direction: push, pull or bidirectional
	Direction string `mapstructure:"direction" validate:"required,oneof=push pull bidirectional"`

	// ConflictResolution: local_wins, remote_wins, latest_wins or manual
	ConflictResolution string `mapstructure:"conflict_resolution" validate:"required,oneof=local_wins remote_wins latest_wins manual"`

	// Scope limits what is exchanged. Empty lists mean everything.
	Modules     []string `mapstructure:"modules"`
	Paths       []string `mapstructure:"paths"`
	Collections []string `mapstructure:"collections" validate:"dive,oneof=nodes tags srs modules"`
}

// HubConfig configures the hub role.
type HubConfig struct {
	// Listener is the HTTP/websocket endpoint
	Listener hubadapter.HubConfig `mapstructure:"listener"`

	// Store holds the shared change log
	Store StoreConfig `mapstructure:"store"`
}

// BackupConfig selects the backup sink.
type BackupConfig struct {
	// Type specifies the sink
	// Valid values: file, s3
	Type string `mapstructure:"type" validate:"required,oneof=file s3"`

	// Compress writes zstd compressed documents
	Compress bool `mapstructure:"compress"`

	// File contains file sink options (path). Only used when Type = "file"
	File map[string]any `mapstructure:"file"`

	// S3 contains S3 options (endpoint, region, bucket, access_key_id,
	// secret_access_key, key_prefix, max_retries). Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// GCConfig configures garbage collection of the device store.
type GCConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// ChangeRetention drops synced changes older than this; 0 keeps them
	ChangeRetention time.Duration `mapstructure:"change_retention" validate:"min=0"`

	DryRun bool `mapstructure:"dry_run"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NOTEVFS_*)
//  2. Configuration file
//  3. Default values
//
// A missing config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: NOTEVFS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NOTEVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys can be set from the environment without appearing in the file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"device.id",
	"sync.enabled",
	"sync.url",
	"sync.token",
	"hub.listener.enabled",
	"hub.listener.port",
	"hub.listener.token",
	"server.metrics.enabled",
	"server.metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "notevfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "notevfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
