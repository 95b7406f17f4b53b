package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the global registry at /metrics and a JSON snapshot of
// the registered status checks at /status.
//
// It satisfies adapter.Adapter so pkg/server can run it next to the sync hub.
type Server struct {
	http *http.Server
	port int
	stop sync.Once

	mu       sync.Mutex
	listener net.Listener
	checks   map[string]func() any
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port defaults to 9090. -1 binds an ephemeral port on localhost.
	Port int
}

// NewServer creates a stopped metrics server.
func NewServer(config ServerConfig) *Server {
	port := config.Port
	if port == 0 {
		port = 9090
	}
	addr := fmt.Sprintf(":%d", port)
	if port < 0 {
		addr = "127.0.0.1:0"
	}

	s := &Server{port: port, checks: make(map[string]func() any)}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	mux.HandleFunc("GET /status", s.serveStatus)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

// AddStatus registers a check reported under name at /status. fn is called
// on every request and must be safe for concurrent use.
func (s *Server) AddStatus(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]func() any, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()

	sort.Strings(names)
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = checks[name]()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Debug("Status encode failed: %v", err)
	}
}

// Handler returns the /metrics handler for the global registry. It answers
// 503 while metrics are disabled.
func Handler() http.Handler {
	if reg := GetRegistry(); reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
	})
}

// Serve listens and blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.Info("Metrics server listening on %s", ln.Addr())

	failed := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-failed:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Later calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stop.Do(func() {
		if err = s.http.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server shutdown: %w", err)
			logger.Error("%v", err)
			return
		}
		logger.Info("Metrics server stopped")
	})
	return err
}

func (s *Server) Protocol() string { return "metrics" }

func (s *Server) Port() int { return s.port }

// Addr returns the bound address, or "" before Serve has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
