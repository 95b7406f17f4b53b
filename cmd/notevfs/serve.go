package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/config"
	"github.com/mushuanli/itookit-sub011/pkg/gc"
	"github.com/mushuanli/itookit-sub011/pkg/server"
	synchub "github.com/mushuanli/itookit-sub011/pkg/sync/hub"
)

func runServe(args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := config.InitializeMetrics(cfg)

	v, err := config.OpenVFS(ctx, cfg, m.VFS)
	if err != nil {
		return err
	}
	defer func() {
		if err := v.Shutdown(context.Background()); err != nil {
			logger.Error("VFS shutdown error: %v", err)
		}
	}()

	collector, err := config.CreateCollector(v.Store(), cfg.GC)
	if err != nil {
		return err
	}
	collector.Start()
	defer stopCollector(collector, cfg)

	if cfg.Sync.Enabled {
		engine, err := config.CreateEngine(ctx, v, cfg, m.Sync)
		if err != nil {
			return err
		}
		defer func() { _ = engine.Close() }()

		if err := engine.Connect(ctx, config.RemoteConfig(cfg.Sync)); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.Sync.URL, err)
		}
		stop := engine.AutoSync(ctx, cfg.Sync.Interval, config.PassConfig(cfg.Sync))
		defer stop()
		logger.Info("Auto sync every %v with %s", cfg.Sync.Interval, cfg.Sync.URL)

		if m.Server != nil {
			m.Server.AddStatus("sync", func() any { return engine.State() })
		}
	}

	var hub *synchub.Hub
	if cfg.Hub.Listener.Enabled {
		h, hubStore, err := config.CreateHub(ctx, cfg.Hub, m.Hub)
		if err != nil {
			return err
		}
		defer func() { _ = hubStore.Close() }()
		hub = h

		if m.Server != nil {
			m.Server.AddStatus("hub", func() any {
				return map[string]int{"connections": h.Connections()}
			})
		}
	}

	if m.Server != nil {
		m.Server.AddStatus("modules", func() any { return v.ListModules(ctx) })
	}

	adapters, err := config.CreateAdapters(cfg, hub, m.Server)
	if err != nil {
		return err
	}

	if len(adapters) == 0 {
		logger.Info("No listeners configured. Press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	}

	srv := server.New()
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return err
		}
	}

	logger.Info("notevfs is running. Press Ctrl+C to stop.")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stopCollector(c *gc.Collector, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		logger.Warn("GC stop: %v", err)
	}
}
