package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/adapter"
	hubadapter "github.com/mushuanli/itookit-sub011/pkg/adapter/hub"
	"github.com/mushuanli/itookit-sub011/pkg/backup"
	"github.com/mushuanli/itookit-sub011/pkg/gc"
	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/badger"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/memory"
	notesync "github.com/mushuanli/itookit-sub011/pkg/sync"
	synchub "github.com/mushuanli/itookit-sub011/pkg/sync/hub"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

// CreateKV opens the key-value backend selected by cfg.Type.
//
// Supported types:
//   - "memory": pkg/store/kv/memory (lost on exit)
//   - "badger": pkg/store/kv/badger, options decoded from cfg.Badger
func CreateKV(ctx context.Context, cfg StoreConfig) (kv.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		var badgerCfg badger.Config
		if err := mapstructure.Decode(cfg.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("failed to decode badger store config: %w", err)
		}
		if badgerCfg.Path == "" && !badgerCfg.InMemory {
			return nil, fmt.Errorf("badger store: path is required")
		}
		db, err := badger.Open(ctx, badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger store: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// CreateMiddleware builds the enabled built-in middleware in pipeline order.
func CreateMiddleware(cfg MiddlewareConfig) ([]middleware.Middleware, error) {
	var out []middleware.Middleware
	if cfg.MaxSize > 0 {
		out = append(out, middleware.MaxSize{Limit: cfg.MaxSize})
	}
	if len(cfg.ReadOnlyPaths) > 0 {
		ro, err := middleware.NewReadOnlyPaths(cfg.ReadOnlyPaths...)
		if err != nil {
			return nil, err
		}
		out = append(out, ro)
	}
	if cfg.NormalizeLineEndings {
		out = append(out, middleware.NormalizeLineEndings{})
	}
	if cfg.ContentHash {
		out = append(out, middleware.ContentHash{})
	}
	return out, nil
}

// OpenVFS opens the device store, initializes the VFS and mounts the
// configured modules that do not exist yet. Existing modules are left as
// they are.
func OpenVFS(ctx context.Context, cfg *Config, m metrics.VFSMetrics) (*vfs.VFS, error) {
	mws, err := CreateMiddleware(cfg.Middleware)
	if err != nil {
		return nil, fmt.Errorf("invalid middleware config: %w", err)
	}

	db, err := CreateKV(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	v := vfs.New(store.New(db), vfs.Options{Middleware: mws, Metrics: m})
	if err := v.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize vfs: %w", err)
	}

	for _, mod := range cfg.Modules {
		_, err := v.GetModule(ctx, mod.Name)
		if err == nil {
			continue
		}
		if !store.IsNotFound(err) {
			_ = v.Shutdown(ctx)
			return nil, err
		}
		_, err = v.Mount(ctx, mod.Name, vfs.MountOptions{
			Description: mod.Description,
			Protected:   mod.Protected,
			SyncEnabled: mod.SyncEnabled,
		})
		if err != nil {
			_ = v.Shutdown(ctx)
			return nil, fmt.Errorf("failed to mount module %s: %w", mod.Name, err)
		}
		logger.Info("Mounted module %s", mod.Name)
	}

	return v, nil
}

// CreateEngine creates the sync engine of a device. It does not connect.
func CreateEngine(ctx context.Context, v *vfs.VFS, cfg *Config, m metrics.SyncMetrics) (*notesync.Engine, error) {
	return notesync.New(ctx, v, notesync.Options{
		DeviceID:  cfg.Device.ID,
		BatchSize: cfg.Sync.BatchSize,
		Metrics:   m,
	})
}

// RemoteConfig returns the transport settings of cfg.
func RemoteConfig(cfg SyncConfig) notesync.RemoteConfig {
	return notesync.RemoteConfig{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout}
}

// PassConfig returns the settings of a sync pass.
func PassConfig(cfg SyncConfig) notesync.Config {
	return notesync.Config{
		Direction: notesync.Direction(cfg.Direction),
		Scope: notesync.Scope{
			Modules:     cfg.Modules,
			Paths:       cfg.Paths,
			Collections: cfg.Collections,
		},
		ConflictResolution: notesync.Strategy(cfg.ConflictResolution),
	}
}

// CreateHub opens the hub store and creates the hub. The caller closes the
// returned store after the hub stops.
func CreateHub(ctx context.Context, cfg HubConfig, m metrics.HubMetrics) (*synchub.Hub, *store.Store, error) {
	db, err := CreateKV(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("hub store: %w", err)
	}
	st := store.New(db)
	h := synchub.New(st, synchub.Config{
		RequestsPerSecond: cfg.Listener.RateLimit,
		Burst:             cfg.Listener.RateBurst,
		Metrics:           m,
	})
	return h, st, nil
}

// CreateAdapters returns the listeners to run. h may be nil when the hub
// role is disabled; metricsServer may be nil when metrics are disabled.
func CreateAdapters(cfg *Config, h *synchub.Hub, metricsServer *metrics.Server) ([]adapter.Adapter, error) {
	var adapters []adapter.Adapter

	if cfg.Hub.Listener.Enabled {
		if h == nil {
			return nil, fmt.Errorf("hub listener enabled without a hub")
		}
		adapters = append(adapters, hubadapter.New(cfg.Hub.Listener, h))
	}
	if metricsServer != nil {
		adapters = append(adapters, metricsServer)
	}

	return adapters, nil
}

// CreateCollector creates the garbage collector of st.
func CreateCollector(st *store.Store, cfg GCConfig) (*gc.Collector, error) {
	return gc.NewCollector(st, gc.Config{
		Enabled:         cfg.Enabled,
		Interval:        cfg.Interval,
		ChangeRetention: cfg.ChangeRetention,
		DryRun:          cfg.DryRun,
	})
}

// CreateBackupSink creates the sink selected by cfg.Type.
//
// Supported types:
//   - "file": a directory, options decoded from cfg.File
//   - "s3": Amazon S3 or a compatible service, options decoded from cfg.S3
func CreateBackupSink(ctx context.Context, cfg BackupConfig) (backup.Sink, error) {
	switch cfg.Type {
	case "file":
		var fileCfg struct {
			Path string `mapstructure:"path"`
		}
		if err := mapstructure.Decode(cfg.File, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to decode file backup config: %w", err)
		}
		if fileCfg.Path == "" {
			return nil, fmt.Errorf("file backup: path is required")
		}
		return backup.NewFileSink(fileCfg.Path)
	case "s3":
		return createS3Sink(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backup type: %q", cfg.Type)
	}
}

// s3SinkConfig holds the S3 options of a backup sink.
type s3SinkConfig struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func createS3Sink(ctx context.Context, options map[string]any) (backup.Sink, error) {
	var sinkCfg s3SinkConfig
	if err := mapstructure.Decode(options, &sinkCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backup config: %w", err)
	}
	if sinkCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backup: bucket is required")
	}
	if sinkCfg.Region == "" {
		return nil, fmt.Errorf("S3 backup: region is required")
	}

	client, err := newS3Client(ctx, sinkCfg)
	if err != nil {
		return nil, err
	}

	sink, err := backup.NewS3Sink(client, sinkCfg.Bucket, sinkCfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backup sink: %w", err)
	}

	logger.Info("S3 backup sink initialized: bucket=%s, region=%s, prefix=%s",
		sinkCfg.Bucket, sinkCfg.Region, sinkCfg.KeyPrefix)
	return sink, nil
}

func newS3Client(ctx context.Context, cfg s3SinkConfig) (*s3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(cfg.Region))

	// Static credentials if provided, otherwise the default credential chain
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
