// Package middleware is the validate/transform pipeline that runs around every
// content mutation of the VFS.
//
// A middleware implements Middleware plus any subset of Validator,
// BeforeWriter and AfterWriter. Hooks run in registration order inside the
// mutation's transaction; the first error aborts the whole operation.
package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// Op is the mutation that triggered the hooks.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpCopy   Op = "copy"
	OpImport Op = "import"
)

// Target describes the node being written.
//
// Node is the node as it will be stored (new nodes already have their id and
// canonical path). Hooks must not mutate it; metadata changes go through the
// AfterWriter patch.
type Target struct {
	Op   Op
	Node *store.Node
}

// Middleware is the base interface; Name must be unique within a chain.
type Middleware interface {
	Name() string
}

// Validator may reject a mutation before anything is written.
type Validator interface {
	OnValidate(ctx context.Context, t Target, content []byte) error
}

// BeforeWriter may transform content before it is persisted. Transforms must
// be idempotent: applying one to its own output returns the same bytes.
type BeforeWriter interface {
	OnBeforeWrite(ctx context.Context, t Target, content []byte) ([]byte, error)
}

// AfterWriter may contribute metadata that is merged into the node before the
// transaction commits. A nil value in the patch deletes the key.
type AfterWriter interface {
	OnAfterWrite(ctx context.Context, t Target, content []byte) (map[string]any, error)
}

// Chain is an ordered set of middleware. Safe for concurrent use.
type Chain struct {
	mu  sync.RWMutex
	mws []Middleware
}

// NewChain creates a chain with the given middleware.
func NewChain(mws ...Middleware) (*Chain, error) {
	c := &Chain{}
	for _, m := range mws {
		if err := c.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register appends m to the chain.
func (c *Chain) Register(m Middleware) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.mws {
		if existing.Name() == m.Name() {
			return store.NewError(store.ErrAlreadyExists, "", "middleware %q already registered", m.Name())
		}
	}
	switch m.(type) {
	case Validator, BeforeWriter, AfterWriter:
	default:
		return store.NewError(store.ErrInvalidOperation, "", "middleware %q implements no hook", m.Name())
	}
	c.mws = append(c.mws, m)
	return nil
}

// Unregister removes the middleware called name. It reports whether it was
// present.
func (c *Chain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, m := range c.mws {
		if m.Name() == name {
			c.mws = append(c.mws[:i:i], c.mws[i+1:]...)
			return true
		}
	}
	return false
}

// Names lists registered middleware in order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.mws))
	for i, m := range c.mws {
		out[i] = m.Name()
	}
	return out
}

func (c *Chain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Middleware(nil), c.mws...)
}

// Run executes validation, transforms and after-write hooks and returns the
// content to persist and the merged metadata patch.
func (c *Chain) Run(ctx context.Context, t Target, content []byte) ([]byte, map[string]any, error) {
	mws := c.snapshot()

	for _, m := range mws {
		if v, ok := m.(Validator); ok {
			if err := v.OnValidate(ctx, t, content); err != nil {
				return nil, nil, wrap(m, err)
			}
		}
	}

	for _, m := range mws {
		if b, ok := m.(BeforeWriter); ok {
			out, err := b.OnBeforeWrite(ctx, t, content)
			if err != nil {
				return nil, nil, wrap(m, err)
			}
			content = out
		}
	}

	var patch map[string]any
	for _, m := range mws {
		if a, ok := m.(AfterWriter); ok {
			p, err := a.OnAfterWrite(ctx, t, content)
			if err != nil {
				return nil, nil, wrap(m, err)
			}
			for k, v := range p {
				if patch == nil {
					patch = make(map[string]any)
				}
				patch[k] = v
			}
		}
	}

	return content, patch, nil
}

// wrap keeps StoreErrors intact so callers still see the error kind.
func wrap(m Middleware, err error) error {
	if _, ok := store.CodeOf(err); ok {
		return err
	}
	return fmt.Errorf("middleware %s: %w", m.Name(), err)
}

// ApplyPatch merges patch into metadata, deleting keys with nil values.
func ApplyPatch(metadata, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(metadata, k)
		} else {
			metadata[k] = v
		}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
