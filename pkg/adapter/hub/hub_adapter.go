// Package hub runs the sync hub as a server adapter.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	synchub "github.com/mushuanli/itookit-sub011/pkg/sync/hub"
)

// HubConfig holds configuration parameters for the hub listener.
//
// Default values (applied by New if zero):
//   - Port: 8420
//   - ReadTimeout: 30s
//   - WriteTimeout: 30s
//   - IdleTimeout: 2m
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m
type HubConfig struct {
	// Enabled controls whether the hub adapter is started.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port for HTTP and websocket clients. -1 picks an
	// ephemeral port on localhost.
	Port int `mapstructure:"port" validate:"min=-1,max=65535"`

	// Token, when set, must be sent by devices as a bearer token.
	Token string `mapstructure:"token"`

	// ReadTimeout bounds reading a request. Websocket connections use it as
	// their idle limit once upgraded.
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"min=0"`

	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// ShutdownTimeout is how long in-flight requests get to finish before
	// connections are dropped.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// RateLimit and RateBurst bound requests per device; 0 disables.
	RateLimit uint `mapstructure:"rate_limit"`
	RateBurst uint `mapstructure:"rate_burst"`

	// MetricsLogInterval logs connection stats periodically; 0 disables.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

func (c *HubConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8420
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *HubConfig) validate() error {
	if c.Port < -1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// HubAdapter serves a sync hub over HTTP and websocket.
type HubAdapter struct {
	config HubConfig
	hub    *synchub.Hub
	server *http.Server

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu       sync.Mutex
	listener net.Listener
}

// New creates a stopped adapter for h. Panics on an invalid config.
func New(config HubConfig, h *synchub.Hub) *HubAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid hub config: %v", err))
	}

	handler := h.Handler(synchub.HandlerConfig{
		Token: config.Token,
		WS: synchub.WSConfig{
			ReadTimeout:  2 * config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
	})

	addr := fmt.Sprintf(":%d", config.Port)
	if config.Port < 0 {
		addr = "127.0.0.1:0"
	}

	return &HubAdapter{
		config: config,
		hub:    h,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadTimeout,
			ReadTimeout:       config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
		shutdown: make(chan struct{}),
	}
}

// Serve listens and blocks until ctx is cancelled, Stop is called or the
// listener fails.
func (a *HubAdapter) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to create hub listener on %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	logger.Info("Sync hub listening on %s", ln.Addr())
	logger.Debug("Hub config: read_timeout=%v write_timeout=%v idle_timeout=%v rate_limit=%d/s",
		a.config.ReadTimeout, a.config.WriteTimeout, a.config.IdleTimeout, a.config.RateLimit)

	if a.config.MetricsLogInterval > 0 {
		go a.logMetrics(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Hub shutdown signal received: %v", ctx.Err())
		stopCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			return err
		}
		return ctx.Err()
	case <-a.shutdown:
		return nil
	case err := <-errChan:
		return fmt.Errorf("hub server failed: %w", err)
	}
}

// Stop shuts the HTTP server down and drops websocket connections. Safe to
// call multiple times.
func (a *HubAdapter) Stop(ctx context.Context) error {
	var shutdownErr error
	a.shutdownOnce.Do(func() {
		close(a.shutdown)
		if err := a.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("hub shutdown error: %w", err)
			logger.Error("Hub shutdown error: %v", err)
		}
		a.hub.CloseConnections()
		logger.Info("Sync hub stopped")
	})
	return shutdownErr
}

// Protocol names the adapter.
func (a *HubAdapter) Protocol() string {
	return "sync-hub"
}

// Port returns the configured port.
func (a *HubAdapter) Port() int {
	return a.config.Port
}

// Addr returns the bound address once Serve has started listening.
func (a *HubAdapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *HubAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			logger.Info("Hub status: connections=%d", a.hub.Connections())
		}
	}
}
