// Package badger is a persistent kv.DB on top of BadgerDB.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
)

// Config configures the BadgerDB backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps everything in RAM (tests, throwaway devices).
	InMemory bool `mapstructure:"in_memory"`

	// BlockCacheSizeMB defaults to 64.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB defaults to 32.
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// Store implements kv.DB.
type Store struct {
	db       *badger.DB
	inMemory bool
}

// Open opens (or creates) a Badger database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}

	// Note contents are small text blobs, compression is not worth the CPU.
	opts = opts.
		WithLogger(nil).
		WithCompression(options.None).
		WithSyncWrites(cfg.SyncWrites).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.Path, err)
	}

	logger.Debug("Opened badger store: path=%q in_memory=%v", cfg.Path, cfg.InMemory)
	return &Store{db: db, inMemory: cfg.InMemory}, nil
}

func (s *Store) Begin(writable bool) (kv.Txn, error) {
	if s.db.IsClosed() {
		return nil, kv.ErrDiscarded
	}
	return &txn{txn: s.db.NewTransaction(writable), writable: writable}, nil
}

func (s *Store) Update(ctx context.Context, fn func(txn kv.Txn) error) error {
	return kv.RunUpdate(ctx, s, fn)
}

func (s *Store) View(ctx context.Context, fn func(txn kv.Txn) error) error {
	return kv.RunView(ctx, s, fn)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunValueLogGC reclaims value log space. Returns nil when nothing was
// rewritten.
func (s *Store) RunValueLogGC(discardRatio float64) error {
	if s.inMemory {
		return nil
	}
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

type txn struct {
	txn      *badger.Txn
	writable bool
	done     bool
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, kv.ErrDiscarded
	}
	item, err := t.txn.Get(key)
	if err != nil {
		return nil, mapError(err)
	}
	return item.ValueCopy(nil)
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
	return mapError(t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...)))
}

func (t *txn) Delete(key []byte) error {
	if t.done {
		return kv.ErrDiscarded
	}
	if !t.writable {
		return kv.ErrReadOnly
	}
	return mapError(t.txn.Delete(append([]byte(nil), key...)))
}

func (t *txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return t.IterateFrom(prefix, prefix, fn)
}

func (t *txn) IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error {
	if t.done {
		return kv.ErrDiscarded
	}
	if bytes.Compare(start, prefix) < 0 {
		start = prefix
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			if errors.Is(err, kv.ErrStop) {
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
	if !t.writable {
		t.txn.Discard()
		return nil
	}
	return mapError(t.txn.Commit())
}

func (t *txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return kv.ErrKeyNotFound
	case errors.Is(err, badger.ErrConflict):
		return kv.ErrConflict
	case errors.Is(err, badger.ErrTxnTooBig):
		return kv.ErrTxnTooBig
	case errors.Is(err, badger.ErrDiscardedTxn):
		return kv.ErrDiscarded
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return kv.ErrReadOnly
	default:
		return err
	}
}
