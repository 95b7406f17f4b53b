package sync

import (
	"context"
	"fmt"
	"net/url"
	gosync "sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/internal/retry"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/httpremote"
	"github.com/mushuanli/itookit-sub011/pkg/sync/wsremote"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
	"github.com/oklog/ulid/v2"
)

// DefaultBatchSize is the number of changes per push or pull request.
const DefaultBatchSize = 500

// Options configures an Engine.
type Options struct {
	// DeviceID identifies this replica. When empty the id stored in the
	// database is reused, or a new one is generated on first start.
	DeviceID string

	BatchSize int

	// Metrics defaults to a no-op implementation.
	Metrics metrics.SyncMetrics
}

// Engine tracks local changes of a VFS and exchanges them with a remote.
type Engine struct {
	vfs       *vfs.VFS
	st        *store.Store
	device    string
	batchSize int
	metrics   metrics.SyncMetrics

	unsubscribe func()

	// kick asks a running AutoSync loop for an immediate pass.
	kick chan struct{}

	// mu guards remote, state and running
	mu      gosync.Mutex
	remote  Remote
	state   State
	running bool
}

// txRetry retries store transactions that lost an optimistic conflict.
var txRetry = retry.Config{
	MaxAttempts: 4,
	InitialWait: 5 * time.Millisecond,
	MaxWait:     100 * time.Millisecond,
	Multiplier:  2,
	Jitter:      0.2,
}

const metaDevice = "sync/device"

// New creates an engine over v and starts tracking its local mutations.
func New(ctx context.Context, v *vfs.VFS, opts Options) (*Engine, error) {
	e := &Engine{
		vfs:       v,
		st:        v.Store(),
		batchSize: opts.BatchSize,
		metrics:   opts.Metrics,
		kick:      make(chan struct{}, 1),
		state:     State{Status: StatusIdle},
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNoopSyncMetrics()
	}

	err := e.update(ctx, func(tx *store.Tx) error {
		var stored string
		found, err := tx.GetMeta(metaDevice, &stored)
		if err != nil {
			return err
		}
		switch {
		case found && opts.DeviceID != "" && stored != opts.DeviceID:
			return store.NewError(store.ErrInvalidOperation, opts.DeviceID,
				"database belongs to device %q", stored)
		case found:
			e.device = stored
			return nil
		case opts.DeviceID != "":
			e.device = opts.DeviceID
		default:
			e.device = ulid.Make().String()
		}
		return tx.PutMeta(metaDevice, e.device)
	})
	if err != nil {
		return nil, err
	}

	e.unsubscribe = v.On(events.All, e.onEvent)
	logger.Info("Sync engine ready: device=%s", e.device)
	return e, nil
}

// DeviceID returns the id of this replica.
func (e *Engine) DeviceID() string {
	return e.device
}

// Close stops tracking and disconnects from the remote.
func (e *Engine) Close() error {
	e.unsubscribe()
	return e.Disconnect()
}

// Connect attaches the engine to a remote, replacing any previous one.
func (e *Engine) Connect(ctx context.Context, cfg RemoteConfig) error {
	remote := cfg.Remote
	if remote == nil {
		var err error
		remote, err = Dial(cfg)
		if err != nil {
			return err
		}
	}
	if err := remote.Connect(ctx); err != nil {
		return fmt.Errorf("connect remote: %w", err)
	}

	e.mu.Lock()
	old := e.remote
	e.remote = remote
	e.state.Connected = true
	e.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
	if ch := remote.Notifications(); ch != nil {
		go e.watch(ch)
	}
	return nil
}

// Dial builds a transport from cfg.URL.
func Dial(cfg RemoteConfig) (Remote, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return httpremote.New(httpremote.Config{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout}), nil
	case "ws", "wss":
		return wsremote.New(wsremote.Config{URL: cfg.URL, Token: cfg.Token, Timeout: cfg.Timeout}), nil
	}
	return nil, fmt.Errorf("unsupported remote scheme %q", u.Scheme)
}

// Disconnect detaches the remote. Pending requests on it fail with
// ErrDisconnected.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	remote := e.remote
	e.remote = nil
	e.state.Connected = false
	e.mu.Unlock()

	if remote == nil {
		return nil
	}
	return remote.Disconnect()
}

// State returns a snapshot of the engine status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// On subscribes to events, including the sync:* events of this engine.
func (e *Engine) On(t events.Type, h events.Handler) func() {
	return e.vfs.On(t, h)
}

// AutoSync runs a pass every interval, and whenever the remote announces a
// change, unless a pass is already running. The returned function stops it.
func (e *Engine) AutoSync(ctx context.Context, interval time.Duration, cfg Config) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-e.kick:
			}

			if e.State().Status == StatusSyncing {
				continue
			}
			if _, err := e.Sync(ctx, cfg); err != nil && ctx.Err() == nil {
				logger.Warn("Auto sync failed: %v", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// watch consumes remote notifications until the transport closes them.
func (e *Engine) watch(ch <-chan Notification) {
	for n := range ch {
		switch n.Type {
		case FrameChange, FrameConflict:
			logger.Debug("Remote announced %s", n.Type)
			select {
			case e.kick <- struct{}{}:
			default:
			}
		case FrameError:
			logger.Warn("Remote error: %v", n.Err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, t events.Type, data map[string]any) {
	e.vfs.Bus().Publish(ctx, events.Event{Type: t, Data: data})
}

// update runs fn in a write transaction, retrying optimistic conflicts.
func (e *Engine) update(ctx context.Context, fn func(tx *store.Tx) error) error {
	return retry.Do(ctx, txRetry, func(int) error {
		err := e.st.WithTransaction(ctx, fn)
		if err != nil && !store.IsTransactionFailed(err) {
			return retry.Permanent(err)
		}
		return err
	})
}
