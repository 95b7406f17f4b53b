package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/backup"
	"github.com/mushuanli/itookit-sub011/pkg/config"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	notesync "github.com/mushuanli/itookit-sub011/pkg/sync"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

func runInit(args []string) error {
	var configPath string
	var force bool
	fs := newFlagSet("init", &configPath)
	fs.BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

// withVFS opens the device VFS for a one-shot command.
func withVFS(cfg *config.Config, fn func(ctx context.Context, v *vfs.VFS) error) error {
	ctx := context.Background()
	v, err := config.OpenVFS(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.Shutdown(ctx); err != nil {
			logger.Error("VFS shutdown error: %v", err)
		}
		_ = logger.Sync()
	}()
	return fn(ctx, v)
}

func runSync(args []string) error {
	var configPath, direction, strategy string
	fs := newFlagSet("sync", &configPath)
	fs.StringVar(&direction, "direction", "", "push, pull or bidirectional (default from config)")
	fs.StringVar(&strategy, "strategy", "", "conflict resolution: local_wins, remote_wins, latest_wins or manual")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Sync.URL == "" {
		return fmt.Errorf("sync.url is not configured")
	}

	pass := config.PassConfig(cfg.Sync)
	if direction != "" {
		pass.Direction = notesync.Direction(direction)
	}
	if strategy != "" {
		pass.ConflictResolution = notesync.Strategy(strategy)
	}

	return withVFS(cfg, func(ctx context.Context, v *vfs.VFS) error {
		engine, err := config.CreateEngine(ctx, v, cfg, nil)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Close() }()

		if err := engine.Connect(ctx, config.RemoteConfig(cfg.Sync)); err != nil {
			return err
		}

		res, err := engine.Sync(ctx, pass)
		if err != nil {
			return err
		}
		fmt.Printf("pushed=%d pulled=%d conflicts=%d duration=%v\n",
			res.Pushed, res.Pulled, res.Conflicts, res.Duration.Round(time.Millisecond))
		for _, e := range res.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		if !res.Success {
			return fmt.Errorf("sync pass reported %d error(s)", len(res.Errors))
		}
		return nil
	})
}

func runConflicts(args []string) error {
	var configPath, resolve, choice string
	fs := newFlagSet("conflicts", &configPath)
	fs.StringVar(&resolve, "resolve", "", "id of the conflict to resolve")
	fs.StringVar(&choice, "keep", "", "version to keep when resolving: local or remote")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	return withVFS(cfg, func(ctx context.Context, v *vfs.VFS) error {
		engine, err := config.CreateEngine(ctx, v, cfg, nil)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Close() }()

		if resolve != "" {
			res := store.Resolution(choice)
			if res != store.ResolutionLocal && res != store.ResolutionRemote {
				return fmt.Errorf("--keep must be local or remote")
			}
			if err := engine.ResolveConflict(ctx, resolve, res); err != nil {
				return err
			}
			fmt.Printf("Conflict %s resolved (%s)\n", resolve, res)
			return nil
		}

		conflicts, err := engine.GetConflicts(ctx)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No open conflicts")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCOLLECTION\tKEY\tLOCAL\tREMOTE\tDETECTED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s %s\t%s\n",
				c.ID, c.Collection, c.Key,
				c.Local.Op, c.Local.Timestamp.Format(time.RFC3339),
				c.Remote.Op, c.Remote.Timestamp.Format(time.RFC3339),
				c.DetectedAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runExport(args []string) error {
	var configPath, name string
	var modules []string
	var compress bool
	fs := newFlagSet("export", &configPath)
	fs.StringSliceVarP(&modules, "module", "m", nil, "module to export (repeatable, default: all)")
	fs.StringVarP(&name, "name", "n", "", "backup name (default: notevfs-<timestamp>.json)")
	fs.BoolVar(&compress, "compress", false, "zstd-compress the backup (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !fs.Changed("compress") {
		compress = cfg.Backup.Compress
	}
	if name == "" {
		name = "notevfs-" + time.Now().UTC().Format("20060102-150405") + ".json"
		if compress {
			name += ".zst"
		}
	}

	return withVFS(cfg, func(ctx context.Context, v *vfs.VFS) error {
		sink, err := config.CreateBackupSink(ctx, cfg.Backup)
		if err != nil {
			return err
		}
		doc, err := backup.Save(ctx, v, sink, name,
			backup.ExportOptions{Modules: modules},
			backup.EncodeOptions{Compress: compress})
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d module(s) to %s\n", len(doc.Modules), name)
		return nil
	})
}

func runImport(args []string) error {
	var configPath, name string
	var overwrite, list bool
	fs := newFlagSet("import", &configPath)
	fs.StringVarP(&name, "name", "n", "", "backup name to import")
	fs.BoolVar(&overwrite, "overwrite", false, "replace modules that already exist")
	fs.BoolVar(&list, "list", false, "list available backups and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	sink, err := config.CreateBackupSink(ctx, cfg.Backup)
	if err != nil {
		return err
	}

	if list {
		names, err := sink.List(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(names, "\n"))
		return nil
	}
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	doc, err := backup.Load(ctx, sink, name)
	if err != nil {
		return err
	}

	return withVFS(cfg, func(ctx context.Context, v *vfs.VFS) error {
		res, err := backup.Import(ctx, v, doc, backup.ImportOptions{Overwrite: overwrite})
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d module(s), %d node(s), %d SRS item(s)\n", res.Modules, res.Nodes, res.SRS)
		return nil
	})
}

func runGC(args []string) error {
	var configPath string
	var dryRun bool
	fs := newFlagSet("gc", &configPath)
	fs.BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gcCfg := cfg.GC
	if fs.Changed("dry-run") {
		gcCfg.DryRun = dryRun
	}

	return withVFS(cfg, func(ctx context.Context, v *vfs.VFS) error {
		collector, err := config.CreateCollector(v.Store(), gcCfg)
		if err != nil {
			return err
		}
		stats, err := collector.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Println(stats.Summary())
		return nil
	})
}
