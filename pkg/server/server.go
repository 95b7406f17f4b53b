// Package server runs the network adapters of a notevfs node side by side
// and ties their lifetimes together.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/adapter"
)

// stopTimeout bounds the Stop call of each adapter during shutdown.
const stopTimeout = 30 * time.Second

// ErrServed is returned by Serve and AddAdapter once Serve has been called.
var ErrServed = errors.New("server already started")

// Server runs a set of adapters until the context ends or one of them
// fails, then stops all of them in reverse registration order.
//
//	srv := server.New()
//	srv.AddAdapter(hubadapter.New(hubConfig, h))
//	srv.AddAdapter(metrics.NewServer(metricsConfig))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err := srv.Serve(ctx)
type Server struct {
	mu       sync.RWMutex
	adapters []adapter.Adapter
	served   bool
}

func New() *Server {
	return &Server{}
}

// AddAdapter registers a. Protocols must be unique, and so must ports
// other than ephemeral ones. Panics on a nil adapter.
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("server: nil adapter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return ErrServed
	}

	for _, other := range s.adapters {
		switch {
		case other.Protocol() == a.Protocol():
			return fmt.Errorf("adapter for protocol %s already registered", a.Protocol())
		case a.Port() > 0 && other.Port() == a.Port():
			return fmt.Errorf("port %d already in use by %s adapter", a.Port(), other.Protocol())
		}
	}

	s.adapters = append(s.adapters, a)
	logger.Debug("Registered %s adapter on port %d", a.Protocol(), a.Port())
	return nil
}

// Adapters returns a snapshot of the registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]adapter.Adapter(nil), s.adapters...)
}

type failure struct {
	protocol string
	err      error
}

// Serve starts every adapter and blocks until ctx ends or an adapter
// returns on its own. It returns ctx.Err() after a requested shutdown and
// the adapter's error otherwise. A server can be served once.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrServed
	}
	s.served = true
	adapters := append([]adapter.Adapter(nil), s.adapters...)
	s.mu.Unlock()

	if len(adapters) == 0 {
		return errors.New("no adapters registered")
	}

	logger.Info("Starting %d adapter(s)", len(adapters))
	failed := make(chan failure, len(adapters))
	var wg sync.WaitGroup
	for _, a := range adapters {
		a := a
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Serve(ctx)
			if ctx.Err() != nil {
				logger.Debug("%s adapter stopped", a.Protocol())
				return
			}
			if err == nil {
				err = errors.New("stopped unexpectedly")
			}
			failed <- failure{protocol: a.Protocol(), err: err}
		}()
	}

	var result error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down: %v", ctx.Err())
		result = ctx.Err()
	case f := <-failed:
		logger.Error("%s adapter failed, stopping all adapters: %v", f.protocol, f.err)
		result = fmt.Errorf("%s adapter error: %w", f.protocol, f.err)
	}

	stopAll(adapters)
	wg.Wait()
	logger.Info("All adapters stopped")
	return result
}

func stopAll(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		if err := a.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Stopping %s adapter: %v", a.Protocol(), err)
		}
	}
}
