// Package store holds the typed tables of the VFS (nodes, content, tags, SRS
// items, sync change log) on top of a kv.DB, and the transaction manager that
// makes every VFS operation atomic.
//
// All table methods hang off Tx. Writes through one Tx are visible to later
// reads through the same Tx and become visible to everybody else only after
// Commit.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
)

// Store is the transaction manager.
type Store struct {
	db kv.DB
}

// New wraps a kv backend.
func New(db kv.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a transaction. The caller must Commit or Abort it.
//
// The memory backend serialises writable transactions, so a goroutine must
// not open a second writable transaction while holding one.
func (s *Store) Begin(writable bool) (*Tx, error) {
	txn, err := s.db.Begin(writable)
	if err != nil {
		return nil, &StoreError{Code: ErrTransactionFailed, Message: "begin transaction: " + err.Error()}
	}
	return &Tx{txn: txn, writable: writable}, nil
}

// WithTransaction executes fn within a writable transaction.
//
// If fn returns an error the transaction is aborted and the error returned
// unchanged. Otherwise the transaction is committed; a failed commit yields a
// StoreError with ErrTransactionFailed. Nested transactions are not supported.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Abort()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View executes fn within a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Abort()

	return fn(tx)
}

// Tx is a transaction over every table.
type Tx struct {
	txn      kv.Txn
	writable bool
	done     bool
}

// Writable reports whether the transaction accepts writes.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Commit applies all writes atomically.
func (tx *Tx) Commit() error {
	if tx.done {
		return &StoreError{Code: ErrTransactionFailed, Message: "transaction already finished"}
	}
	tx.done = true

	if err := tx.txn.Commit(); err != nil {
		return &StoreError{Code: ErrTransactionFailed, Message: "commit: " + err.Error()}
	}
	return nil
}

// Abort discards all writes. Safe to call after Commit.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.txn.Discard()
}

// ============================================================================
// Helpers
// ============================================================================

// getJSON loads key into v. found is false for a missing key.
func (tx *Tx) getJSON(key []byte, v any) (bool, error) {
	data, err := tx.txn.Get(key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (tx *Tx) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return tx.set(key, data)
}

func (tx *Tx) set(key, value []byte) error {
	if err := tx.txn.Set(key, value); err != nil {
		return tx.writeError(key, err)
	}
	return nil
}

func (tx *Tx) del(key []byte) error {
	if err := tx.txn.Delete(key); err != nil {
		return tx.writeError(key, err)
	}
	return nil
}

func (tx *Tx) writeError(key []byte, err error) error {
	if errors.Is(err, kv.ErrTxnTooBig) {
		return &StoreError{Code: ErrTransactionFailed, Message: "transaction too big"}
	}
	if errors.Is(err, kv.ErrReadOnly) {
		return &StoreError{Code: ErrInvalidOperation, Message: "write in read-only transaction"}
	}
	return fmt.Errorf("write %q: %w", key, err)
}

type pair struct {
	key   []byte
	value []byte
}

// scan collects every pair under prefix before calling fn, so fn may read and
// write through tx (backends forbid mutating during a live iterator).
func (tx *Tx) scan(prefix string, fn func(key, value []byte) error) error {
	var pairs []pair
	err := tx.txn.Iterate([]byte(prefix), func(k, v []byte) error {
		pairs = append(pairs, pair{key: k, value: v})
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}

	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

// scanJSON decodes every value under prefix into a fresh T.
func scanJSON[T any](tx *Tx, prefix string, fn func(v *T) error) error {
	return tx.scan(prefix, func(key, value []byte) error {
		v := new(T)
		if err := json.Unmarshal(value, v); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		return fn(v)
	})
}
