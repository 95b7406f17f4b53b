package config

import (
	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	promMetrics "github.com/mushuanli/itookit-sub011/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// The collectors below are never nil; they are no-ops when disabled.
	VFS  metrics.VFSMetrics
	Sync metrics.SyncMetrics
	Hub  metrics.HubMetrics
}

// InitializeMetrics creates the metrics components.
//
// If metrics are enabled the global Prometheus registry is initialized and
// Prometheus-backed collectors are returned together with the HTTP server.
// Otherwise every collector is a no-op.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			VFS:  metrics.NewNoopVFSMetrics(),
			Sync: metrics.NewNoopSyncMetrics(),
			Hub:  metrics.NewNoopHubMetrics(),
		}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{Port: cfg.Server.Metrics.Port}),
		VFS:    promMetrics.NewVFSMetrics(),
		Sync:   promMetrics.NewSyncMetrics(),
		Hub:    promMetrics.NewHubMetrics(),
	}
}
