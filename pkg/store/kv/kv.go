// Package kv defines the ordered key-value contract that every notevfs table
// is stored on.
//
// A single keyspace holds all tables (nodes, content, tags, SRS items, the
// sync change log) so one native transaction can span them. Backends:
//   - memory: process-local maps, for tests and ephemeral devices
//   - badger: persistent BadgerDB
package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Txn.Get for a missing key.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrConflict is returned by Commit when a concurrent transaction wrote
	// a key this transaction read.
	ErrConflict = errors.New("kv: transaction conflict")

	// ErrTxnTooBig is returned when a transaction exceeds the backend limits.
	ErrTxnTooBig = errors.New("kv: transaction too big")

	// ErrReadOnly is returned when writing through a read-only transaction.
	ErrReadOnly = errors.New("kv: read-only transaction")

	// ErrDiscarded is returned when using a transaction after Commit or Discard.
	ErrDiscarded = errors.New("kv: transaction already finished")

	// ErrStop can be returned from an Iterate callback to end the scan early.
	// Iterate itself then returns nil.
	ErrStop = errors.New("kv: stop iteration")
)

// Txn is a transaction over the keyspace.
//
// Every transaction reads a snapshot of the data committed when it began.
// Writable transactions also see their own uncommitted writes. Nothing is visible
// to other transactions until Commit returns nil. Byte slices passed to
// callbacks and returned by Get are owned by the caller.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error

	// Iterate calls fn for every key with the given prefix in ascending
	// byte order.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// IterateFrom is Iterate starting at the first key >= start.
	IterateFrom(prefix, start []byte, fn func(key, value []byte) error) error

	Commit() error

	// Discard abandons the transaction. Safe to call after Commit.
	Discard()
}

// DB is an ordered transactional key-value store.
type DB interface {
	// Begin starts a transaction. The caller must Commit or Discard it.
	Begin(writable bool) (Txn, error)

	// Update runs fn in a writable transaction and commits when fn returns nil.
	Update(ctx context.Context, fn func(txn Txn) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(txn Txn) error) error

	Close() error
}

// RunUpdate implements DB.Update on top of DB.Begin.
func RunUpdate(ctx context.Context, db DB, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// RunView implements DB.View on top of DB.Begin.
func RunView(ctx context.Context, db DB, fn func(txn Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer txn.Discard()

	return fn(txn)
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
