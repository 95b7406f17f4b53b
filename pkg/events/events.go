// Package events is the synchronous publish/subscribe bus of the VFS.
//
// Handlers run in subscription order on the publisher's goroutine, after the
// operation that produced the event has committed. A failing or panicking
// handler is logged and never affects the publisher or other handlers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// Type names an event.
type Type string

const (
	NodeCreated Type = "node:created"
	NodeUpdated Type = "node:updated"
	NodeDeleted Type = "node:deleted"
	NodeMoved   Type = "node:moved"
	NodeCopied  Type = "node:copied"
	NodeTags    Type = "node:tags"

	TagUpdated Type = "tag:updated"
	TagDeleted Type = "tag:deleted"

	SRSUpdated Type = "srs:updated"

	ModuleMounted   Type = "module:mounted"
	ModuleUnmounted Type = "module:unmounted"

	SyncStarted   Type = "sync:started"
	SyncCompleted Type = "sync:completed"
	SyncFailed    Type = "sync:failed"
	SyncConflict  Type = "sync:conflict"
	SyncResolved  Type = "sync:resolved"
	SyncTracked   Type = "sync:tracked"

	// All subscribes to every event.
	All Type = "*"
)

// Origin says where a mutation came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event is delivered to subscribers.
type Event struct {
	Type      Type
	Timestamp time.Time
	Origin    Origin

	// Node is the node after the operation (before it, for deletions).
	Node *store.Node

	// Data carries type specific details (old path, removed ids, tag, SRS item).
	Data map[string]any
}

// Handler consumes an event. Returned errors are logged.
type Handler func(ctx context.Context, ev Event) error

type originKey struct{}

// WithOrigin marks every mutation performed with ctx as coming from origin.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin stored in ctx, OriginLocal by default.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginLocal
}

type subscription struct {
	id      uint64
	typ     Type
	handler Handler
}

// Bus dispatches events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription

	// Observe, when set, is called once per published event (metrics).
	Observe func(t Type)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// On subscribes handler to events of type t (or All) and returns a function
// that removes the subscription.
func (b *Bus) On(t Type, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, typ: t, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to matching subscribers in subscription order.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Origin == "" {
		ev.Origin = OriginFrom(ctx)
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == ev.Type || s.typ == All {
			subs = append(subs, s)
		}
	}
	observe := b.Observe
	b.mu.RUnlock()

	if observe != nil {
		observe(ev.Type)
	}

	for _, s := range subs {
		if err := b.call(ctx, s.handler, ev); err != nil {
			logger.Warn("Event handler for %s failed: %v", ev.Type, err)
		}
	}
}

func (b *Bus) call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
