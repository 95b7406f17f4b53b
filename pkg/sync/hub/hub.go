// Package hub is the relay devices sync through.
//
// The hub keeps an append-only log of accepted changes in its own store and
// the head change of every key. A pushed change is accepted when its clock
// descends from the head; a concurrent change is reported back to the
// pushing device as a conflict and never enters the log. Pulls page through
// the log by hub sequence id, which is the cursor devices persist.
package hub

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/internal/ratelimiter"
	"github.com/mushuanli/itookit-sub011/pkg/metrics"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
	"github.com/mushuanli/itookit-sub011/pkg/vclock"
)

// DefaultPullLimit caps a pull page when the request sets no limit.
const DefaultPullLimit = 1000

// ErrRateLimited is returned when a device exceeds its request budget.
var ErrRateLimited = errors.New("rate limit exceeded")

const metaHeadPrefix = "hub/head/"

// Config configures a Hub.
type Config struct {
	// RequestsPerSecond and Burst bound requests per device. Zero disables
	// rate limiting.
	RequestsPerSecond uint
	Burst             uint

	// Metrics defaults to a no-op implementation.
	Metrics metrics.HubMetrics
}

// Hub stores the shared change log.
type Hub struct {
	st      *store.Store
	limiter *ratelimiter.Keyed
	metrics metrics.HubMetrics

	// pushMu serializes pushes so head checks and appends are atomic
	// across devices.
	pushMu gosync.Mutex

	subMu gosync.Mutex
	subs  map[*subscriber]struct{}
}

// subscriber receives frames for a live connection.
type subscriber struct {
	device func() string
	send   func(*protocol.Frame)
	close  func()
}

// New creates a hub over st. The store should not be shared with a VFS.
func New(st *store.Store, cfg Config) *Hub {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNoopHubMetrics()
	}
	return &Hub{
		st:      st,
		limiter: ratelimiter.NewKeyed(cfg.RequestsPerSecond, cfg.Burst),
		metrics: m,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Store returns the hub's store.
func (h *Hub) Store() *store.Store {
	return h.st
}

func headName(collection, key string) string {
	return metaHeadPrefix + collection + "/" + key
}

// Push appends the changes that descend from the current head of their key
// and reports the concurrent ones. Changes already covered by the head are
// acknowledged without being logged again, so retried pushes are harmless.
func (h *Hub) Push(ctx context.Context, req *protocol.PushRequest) (*protocol.PushResponse, error) {
	if req.DeviceID == "" {
		return nil, store.NewError(store.ErrInvalidOperation, "", "device id is required")
	}

	h.pushMu.Lock()
	defer h.pushMu.Unlock()

	resp := &protocol.PushResponse{Accepted: []string{}}
	var appended []store.Change

	err := h.st.WithTransaction(ctx, func(tx *store.Tx) error {
		resp.Accepted = resp.Accepted[:0]
		resp.Conflicts = nil
		appended = appended[:0]

		for _, c := range req.Changes {
			if c.DeviceID != req.DeviceID {
				return store.NewError(store.ErrInvalidOperation, c.Key, "change %s belongs to device %s", c.ID, c.DeviceID)
			}

			var head store.Change
			found, err := tx.GetMeta(headName(c.Collection, c.Key), &head)
			if err != nil {
				return err
			}

			if found {
				switch head.Clock.Compare(c.Clock) {
				case vclock.Equal, vclock.After:
					resp.Accepted = append(resp.Accepted, c.ID)
					continue
				case vclock.Concurrent:
					resp.Conflicts = append(resp.Conflicts, protocol.Conflict{ChangeID: c.ID, Head: head})
					continue
				}
			}

			entry := c
			entry.ID = ulid.Make().String()
			entry.Synced = true
			if err := tx.PutChange(&entry); err != nil {
				return err
			}
			if err := tx.PutMeta(headName(c.Collection, c.Key), entry); err != nil {
				return err
			}
			resp.Accepted = append(resp.Accepted, c.ID)
			appended = append(appended, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Conflicts) > 0 {
		logger.Info("Hub rejected %d concurrent change(s) from %s", len(resp.Conflicts), req.DeviceID)
	}
	if len(appended) > 0 {
		logger.Debug("Hub appended %d change(s) from %s", len(appended), req.DeviceID)
		h.broadcast(req.DeviceID, appended)
	}
	return resp, nil
}

// Pull returns logged changes after the cursor made by other devices,
// filtered by scope and time range.
func (h *Hub) Pull(ctx context.Context, req *protocol.PullRequest) (*protocol.PullResponse, error) {
	m, err := req.Scope.Compile()
	if err != nil {
		return nil, store.NewError(store.ErrInvalidOperation, "", "%v", err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}

	// One change past the limit tells whether there is more.
	var (
		out     []*store.Change
		scanned string
	)
	err = h.st.View(ctx, func(tx *store.Tx) error {
		return tx.ScanChanges(req.Cursor, func(c *store.Change) (bool, error) {
			scanned = c.ID
			if c.DeviceID != req.DeviceID && m.Match(c.Collection, c.Key) && req.TimeRange.Contains(c.Timestamp) {
				out = append(out, c)
			}
			return len(out) <= limit, nil
		})
	})
	if err != nil {
		return nil, err
	}

	resp := &protocol.PullResponse{Changes: []store.Change{}, Cursor: req.Cursor}
	if scanned != "" {
		resp.Cursor = scanned
	}
	if len(out) > limit {
		out = out[:limit]
		resp.More = true
		resp.Cursor = out[limit-1].ID
	}
	for _, c := range out {
		resp.Changes = append(resp.Changes, *c)
	}
	return resp, nil
}

// allow applies the per-device rate limit.
func (h *Hub) allow(device string) error {
	if device == "" || h.limiter.Allow(device) {
		return nil
	}
	h.metrics.RecordRateLimited(device)
	return ErrRateLimited
}

// serve dispatches one request and records it.
func (h *Hub) serve(ctx context.Context, method, transport, device string, call func() (any, error)) (any, error) {
	start := time.Now()
	if err := h.allow(device); err != nil {
		h.metrics.RecordRequest(method, transport, time.Since(start), err)
		return nil, err
	}
	res, err := call()
	h.metrics.RecordRequest(method, transport, time.Since(start), err)
	if err != nil {
		logger.Debug("Hub %s from %s failed: %v", method, device, err)
	}
	return res, err
}

func (h *Hub) subscribe(s *subscriber) func() {
	h.subMu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.subMu.Unlock()
	h.metrics.SetConnections(n)

	return func() {
		h.subMu.Lock()
		delete(h.subs, s)
		n := len(h.subs)
		h.subMu.Unlock()
		h.metrics.SetConnections(n)
	}
}

// broadcast sends appended changes to every live connection of another
// device, followed by a sync_complete frame.
func (h *Hub) broadcast(from string, changes []store.Change) {
	h.subMu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		if s.device() != from {
			targets = append(targets, s)
		}
	}
	h.subMu.Unlock()

	for _, s := range targets {
		for i := range changes {
			c := changes[i]
			s.send(&protocol.Frame{Type: protocol.FrameChange, Change: &c})
		}
		s.send(&protocol.Frame{Type: protocol.FrameSyncComplete})
	}
}

// CloseConnections drops every live connection. Used on shutdown, since
// http.Server.Shutdown leaves upgraded connections alone.
func (h *Hub) CloseConnections() {
	h.subMu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subMu.Unlock()

	for _, s := range subs {
		if s.close != nil {
			s.close()
		}
	}
}

// Connections returns the number of live subscribers.
func (h *Hub) Connections() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}
