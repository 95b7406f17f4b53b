// Package vfs is the façade of the note storage engine: modules, a node tree
// of files and directories, tags and spaced-repetition items.
//
// Every mutating call runs in one store transaction. Middleware hooks run
// inside that transaction; events are published on the bus only after it
// commits. A VFS is constructed explicitly and owned by its caller:
//
//	fs := vfs.New(store.New(memory.New()), vfs.Options{})
//	if err := fs.Init(ctx); err != nil { ... }
//	defer fs.Shutdown(ctx)
package vfs

import (
	"context"
	"sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// Options configures a VFS.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Bus receives events. A private bus is created when nil.
	Bus *events.Bus

	// Middleware is registered in order at construction.
	Middleware []middleware.Middleware

	// Metrics defaults to a no-op implementation.
	Metrics metrics.VFSMetrics
}

// VFS is the storage engine façade.
type VFS struct {
	store   *store.Store
	bus     *events.Bus
	chain   *middleware.Chain
	now     func() time.Time
	metrics metrics.VFSMetrics

	// mu guards modules, a cache of the persisted registry
	mu          sync.RWMutex
	modules     map[string]*store.Module
	initialized bool

	// clockMu guards lastTime
	clockMu  sync.Mutex
	lastTime time.Time
}

// New creates a VFS over st. Call Init before use.
func New(st *store.Store, opts Options) *VFS {
	v := &VFS{
		store:   st,
		bus:     opts.Bus,
		chain:   &middleware.Chain{},
		now:     opts.Now,
		metrics: opts.Metrics,
		modules: make(map[string]*store.Module),
	}
	if v.bus == nil {
		v.bus = events.NewBus()
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.metrics == nil {
		v.metrics = metrics.NewNoopVFSMetrics()
	}
	if v.bus.Observe == nil {
		v.bus.Observe = func(t events.Type) { v.metrics.RecordEvent(string(t)) }
	}
	for _, m := range opts.Middleware {
		if err := v.chain.Register(m); err != nil {
			logger.Warn("Skipping middleware %s: %v", m.Name(), err)
		}
	}
	return v
}

// Init creates the system module and protected tags on first use and loads
// the module registry.
func (v *VFS) Init(ctx context.Context) error {
	var mods []*store.Module
	err := v.store.WithTransaction(ctx, func(tx *store.Tx) error {
		var err error
		if err = v.ensureSystemModule(tx); err != nil {
			return err
		}
		if err = v.ensureProtectedTags(tx); err != nil {
			return err
		}
		mods, err = v.readRegistry(tx)
		return err
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.setModulesLocked(mods)
	v.initialized = true
	v.mu.Unlock()

	logger.Info("VFS initialized with %d module(s)", len(mods))
	return nil
}

// Shutdown closes the underlying store.
func (v *VFS) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	v.initialized = false
	v.mu.Unlock()

	if err := v.store.Close(); err != nil {
		return err
	}
	logger.Debug("VFS shut down")
	return nil
}

// Store exposes the underlying store (sync engine, gc, backup).
func (v *VFS) Store() *store.Store {
	return v.store
}

// Bus returns the event bus.
func (v *VFS) Bus() *events.Bus {
	return v.bus
}

// Now returns the VFS clock.
func (v *VFS) Now() time.Time {
	return v.now()
}

// On subscribes to events; the returned function unsubscribes.
func (v *VFS) On(t events.Type, h events.Handler) func() {
	return v.bus.On(t, h)
}

// RegisterMiddleware appends m to the middleware chain.
func (v *VFS) RegisterMiddleware(m middleware.Middleware) error {
	return v.chain.Register(m)
}

// UnregisterMiddleware removes the middleware called name.
func (v *VFS) UnregisterMiddleware(name string) bool {
	return v.chain.Unregister(name)
}

// stamp returns a timestamp strictly after every previous one handed out,
// so ModifiedAt always moves forward even with a coarse clock.
func (v *VFS) stamp() time.Time {
	v.clockMu.Lock()
	defer v.clockMu.Unlock()

	t := v.now()
	if !t.After(v.lastTime) {
		t = v.lastTime.Add(time.Nanosecond)
	}
	v.lastTime = t
	return t
}

type emitFunc func(ev events.Event)

// mutate runs fn in a writable transaction and publishes the events it
// emitted once the transaction has committed.
func (v *VFS) mutate(ctx context.Context, op string, fn func(tx *store.Tx, emit emitFunc) error) error {
	start := time.Now()
	var pending []events.Event

	err := v.store.WithTransaction(ctx, func(tx *store.Tx) error {
		pending = pending[:0]
		return fn(tx, func(ev events.Event) {
			if ev.Node != nil {
				ev.Node = ev.Node.Clone()
			}
			pending = append(pending, ev)
		})
	})
	v.metrics.RecordOperation(op, time.Since(start), err)
	if err != nil {
		logger.Debug("VFS %s failed: %v", op, err)
		return err
	}

	origin := events.OriginFrom(ctx)
	for _, ev := range pending {
		if ev.Origin == "" {
			ev.Origin = origin
		}
		v.bus.Publish(ctx, ev)
	}
	return nil
}

// view runs fn in a read-only transaction and records metrics.
func (v *VFS) view(ctx context.Context, op string, fn func(tx *store.Tx) error) error {
	start := time.Now()
	err := v.store.View(ctx, fn)
	v.metrics.RecordOperation(op, time.Since(start), err)
	return err
}
