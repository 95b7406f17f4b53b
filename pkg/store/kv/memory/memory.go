// Package memory is an in-process kv.DB backed by Go maps.
//
// Writable transactions are serialised: Begin(true) blocks until the previous
// writer commits or discards. Every transaction reads from the snapshot that
// was committed when it began, as badger does. Nothing survives Close.
package memory

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
)

// Store implements kv.DB.
//
// The committed map is never modified in place: Commit builds the next
// version and swaps it in, so a snapshot stays valid for as long as a
// transaction holds it.
type Store struct {
	// mu guards data and closed
	mu   sync.RWMutex
	data map[string][]byte

	// writeMu is held by the single live writable transaction
	writeMu sync.Mutex

	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Begin(writable bool) (kv.Txn, error) {
	if writable {
		s.writeMu.Lock()
	}

	s.mu.RLock()
	closed, snap := s.closed, s.data
	s.mu.RUnlock()
	if closed {
		if writable {
			s.writeMu.Unlock()
		}
		return nil, kv.ErrDiscarded
	}

	t := &txn{store: s, writable: writable, snap: snap}
	if writable {
		t.overlay = make(map[string][]byte)
	}
	return t, nil
}

func (s *Store) Update(ctx context.Context, fn func(txn kv.Txn) error) error {
	return kv.RunUpdate(ctx, s, fn)
}

func (s *Store) View(ctx context.Context, fn func(txn kv.Txn) error) error {
	return kv.RunView(ctx, s, fn)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type txn struct {
	store    *Store
	writable bool
	done     bool

	// snap is the committed version this transaction reads
	snap map[string][]byte
	// overlay holds staged writes; a nil value marks a deletion
	overlay map[string][]byte
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, kv.ErrDiscarded
	}

	if v, ok := t.overlay[string(key)]; ok {
		if v == nil {
			return nil, kv.ErrKeyNotFound
		}
		return bytes.Clone(v), nil
	}
	v, ok := t.snap[string(key)]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (t *txn) Set(key, value []byte) error {
	if t.done {
		return kv.ErrDiscarded
	}
	if !t.writable {
		return kv.ErrReadOnly
	}
	if value == nil {
		value = []byte{}
	}
	t.overlay[string(key)] = bytes.Clone(value)
	return nil
}

func (t *txn) Delete(key []byte) error {
	if t.done {
		return kv.ErrDiscarded
	}
	if !t.writable {
		return kv.ErrReadOnly
	}
	t.overlay[string(key)] = nil
	return nil
}

func (t *txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return t.IterateFrom(prefix, prefix, fn)
}

func (t *txn) IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error {
	if t.done {
		return kv.ErrDiscarded
	}

	p, from := string(prefix), string(start)
	in := func(k string) bool { return strings.HasPrefix(k, p) && k >= from }

	merged := make(map[string][]byte)
	for k, v := range t.snap {
		if in(k) {
			merged[k] = v
		}
	}
	for k, v := range t.overlay {
		if !in(k) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			if err == kv.ErrStop {
				return nil
			}
			return err
		}
	}
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return kv.ErrDiscarded
	}
	t.done = true
	t.snap = nil
	if !t.writable {
		return nil
	}
	defer t.store.writeMu.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.closed {
		return kv.ErrDiscarded
	}
	if len(t.overlay) == 0 {
		return nil
	}
	next := maps.Clone(t.store.data)
	for k, v := range t.overlay {
		if v == nil {
			delete(next, k)
		} else {
			next[k] = v
		}
	}
	t.store.data = next
	t.overlay = nil
	return nil
}

func (t *txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.snap = nil
	t.overlay = nil
	if t.writable {
		t.store.writeMu.Unlock()
	}
}
