// Package testing provides a conformance suite shared by every kv.DB backend.
package testing

import (
	"context"
	"errors"
	"testing"

	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite tests the kv.DB contract, not implementation details.
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for every test.
	NewStore func(t *testing.T) kv.DB
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Basic", suite.RunBasicTests)
	t.Run("Iterate", suite.RunIterateTests)
	t.Run("Transactions", suite.RunTransactionTests)
}

// ============================================================================
// Basic
// ============================================================================

func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("SetGet", suite.testSetGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("Delete", suite.testDelete)
	t.Run("EmptyValue", suite.testEmptyValue)
}

func (suite *StoreTestSuite) newStore(t *testing.T) kv.DB {
	db := suite.NewStore(t)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (suite *StoreTestSuite) testGetMissing(t *testing.T) {
	db := suite.newStore(t)

	err := db.View(context.Background(), func(txn kv.Txn) error {
		_, err := txn.Get([]byte("missing"))
		return err
	})
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func (suite *StoreTestSuite) testSetGet(t *testing.T) {
	db := suite.newStore(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(txn kv.Txn) error {
		return txn.Set([]byte("a"), []byte("1"))
	}))

	assert.Equal(t, []byte("1"), mustGet(t, db, "a"))
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	db := suite.newStore(t)

	put(t, db, "a", "1")
	put(t, db, "a", "2")

	assert.Equal(t, []byte("2"), mustGet(t, db, "a"))
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	db := suite.newStore(t)
	ctx := context.Background()

	put(t, db, "a", "1")
	require.NoError(t, db.Update(ctx, func(txn kv.Txn) error {
		return txn.Delete([]byte("a"))
	}))

	err := db.View(ctx, func(txn kv.Txn) error {
		_, err := txn.Get([]byte("a"))
		return err
	})
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func (suite *StoreTestSuite) testEmptyValue(t *testing.T) {
	db := suite.newStore(t)

	put(t, db, "empty", "")
	assert.Empty(t, mustGet(t, db, "empty"))
}

// ============================================================================
// Iterate
// ============================================================================

func (suite *StoreTestSuite) RunIterateTests(t *testing.T) {
	t.Run("PrefixOrdered", suite.testIteratePrefixOrdered)
	t.Run("SeesOwnWrites", suite.testIterateSeesOwnWrites)
	t.Run("Stop", suite.testIterateStop)
	t.Run("CallbackError", suite.testIterateCallbackError)
	t.Run("From", suite.testIterateFrom)
}

func (suite *StoreTestSuite) testIteratePrefixOrdered(t *testing.T) {
	db := suite.newStore(t)

	put(t, db, "n:b", "2")
	put(t, db, "n:a", "1")
	put(t, db, "n:c", "3")
	put(t, db, "nx", "other")
	put(t, db, "m:a", "other")

	keys, values := scan(t, db, "n:")
	assert.Equal(t, []string{"n:a", "n:b", "n:c"}, keys)
	assert.Equal(t, []string{"1", "2", "3"}, values)
}

func (suite *StoreTestSuite) testIterateSeesOwnWrites(t *testing.T) {
	db := suite.newStore(t)
	ctx := context.Background()

	put(t, db, "p:1", "old")
	put(t, db, "p:2", "gone")

	var keys []string
	require.NoError(t, db.Update(ctx, func(txn kv.Txn) error {
		if err := txn.Set([]byte("p:0"), []byte("new")); err != nil {
			return err
		}
		if err := txn.Delete([]byte("p:2")); err != nil {
			return err
		}
		return txn.Iterate([]byte("p:"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	}))

	assert.Equal(t, []string{"p:0", "p:1"}, keys)
}

func (suite *StoreTestSuite) testIterateStop(t *testing.T) {
	db := suite.newStore(t)
	for _, k := range []string{"s:1", "s:2", "s:3"} {
		put(t, db, k, "v")
	}

	count := 0
	err := db.View(context.Background(), func(txn kv.Txn) error {
		return txn.Iterate([]byte("s:"), func(_, _ []byte) error {
			count++
			if count == 2 {
				return kv.ErrStop
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func (suite *StoreTestSuite) testIterateCallbackError(t *testing.T) {
	db := suite.newStore(t)
	put(t, db, "e:1", "v")

	boom := errors.New("boom")
	err := db.View(context.Background(), func(txn kv.Txn) error {
		return txn.Iterate([]byte("e:"), func(_, _ []byte) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
}

func (suite *StoreTestSuite) testIterateFrom(t *testing.T) {
	db := suite.newStore(t)
	for _, k := range []string{"f:1", "f:2", "f:3", "g:0"} {
		put(t, db, k, "v")
	}

	collect := func(start string) []string {
		var keys []string
		require.NoError(t, db.View(context.Background(), func(txn kv.Txn) error {
			return txn.IterateFrom([]byte("f:"), []byte(start), func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			})
		}))
		return keys
	}

	assert.Equal(t, []string{"f:2", "f:3"}, collect("f:2"))
	assert.Equal(t, []string{"f:3"}, collect("f:25"))
	assert.Equal(t, []string{"f:1", "f:2", "f:3"}, collect("f:"))
	assert.Empty(t, collect("f:4"))
}

// ============================================================================
// Transactions
// ============================================================================

func (suite *StoreTestSuite) RunTransactionTests(t *testing.T) {
	t.Run("UpdateErrorRollsBack", suite.testUpdateErrorRollsBack)
	t.Run("DiscardRollsBack", suite.testDiscardRollsBack)
	t.Run("UncommittedInvisible", suite.testUncommittedInvisible)
	t.Run("ReadOnlyRejectsWrites", suite.testReadOnlyRejectsWrites)
	t.Run("UseAfterCommit", suite.testUseAfterCommit)
	t.Run("CancelledContext", suite.testCancelledContext)
	t.Run("ReadSnapshot", suite.testReadSnapshot)
}

func (suite *StoreTestSuite) testUpdateErrorRollsBack(t *testing.T) {
	db := suite.newStore(t)
	put(t, db, "k", "before")

	boom := errors.New("boom")
	err := db.Update(context.Background(), func(txn kv.Txn) error {
		if err := txn.Set([]byte("k"), []byte("after")); err != nil {
			return err
		}
		if err := txn.Set([]byte("k2"), []byte("x")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []byte("before"), mustGet(t, db, "k"))
	keys, _ := scan(t, db, "k2")
	assert.Empty(t, keys)
}

func (suite *StoreTestSuite) testDiscardRollsBack(t *testing.T) {
	db := suite.newStore(t)

	txn, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("d"), []byte("1")))
	txn.Discard()
	txn.Discard()

	keys, _ := scan(t, db, "d")
	assert.Empty(t, keys)
}

func (suite *StoreTestSuite) testUncommittedInvisible(t *testing.T) {
	db := suite.newStore(t)

	txn, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("u"), []byte("1")))

	err = db.View(context.Background(), func(r kv.Txn) error {
		_, err := r.Get([]byte("u"))
		return err
	})
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)

	require.NoError(t, txn.Commit())
	assert.Equal(t, []byte("1"), mustGet(t, db, "u"))
}

func (suite *StoreTestSuite) testReadOnlyRejectsWrites(t *testing.T) {
	db := suite.newStore(t)

	err := db.View(context.Background(), func(txn kv.Txn) error {
		return txn.Set([]byte("r"), []byte("1"))
	})
	assert.ErrorIs(t, err, kv.ErrReadOnly)
}

func (suite *StoreTestSuite) testUseAfterCommit(t *testing.T) {
	db := suite.newStore(t)

	txn, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.ErrorIs(t, txn.Set([]byte("x"), []byte("1")), kv.ErrDiscarded)
	assert.ErrorIs(t, txn.Commit(), kv.ErrDiscarded)
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	db := suite.newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.Update(ctx, func(txn kv.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// A read transaction keeps seeing the data committed when it began.
func (suite *StoreTestSuite) testReadSnapshot(t *testing.T) {
	db := suite.newStore(t)
	ctx := context.Background()
	put(t, db, "snap:a", "1")
	put(t, db, "snap:b", "1")

	r, err := db.Begin(false)
	require.NoError(t, err)
	defer r.Discard()

	v, err := r.Get([]byte("snap:a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, db.Update(ctx, func(txn kv.Txn) error {
		if err := txn.Delete([]byte("snap:a")); err != nil {
			return err
		}
		if err := txn.Set([]byte("snap:b"), []byte("2")); err != nil {
			return err
		}
		return txn.Set([]byte("snap:c"), []byte("1"))
	}))

	v, err = r.Get([]byte("snap:a"))
	require.NoError(t, err, "deleted after the snapshot")
	assert.Equal(t, []byte("1"), v)

	v, err = r.Get([]byte("snap:b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	var keys []string
	require.NoError(t, r.Iterate([]byte("snap:"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"snap:a", "snap:b"}, keys)

	// New transactions see the commit.
	keys, _ = scan(t, db, "snap:")
	assert.Equal(t, []string{"snap:b", "snap:c"}, keys)
}

// ============================================================================
// Helpers
// ============================================================================

func put(t *testing.T, db kv.DB, key, value string) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(txn kv.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	}))
}

func mustGet(t *testing.T, db kv.DB, key string) []byte {
	t.Helper()
	var out []byte
	require.NoError(t, db.View(context.Background(), func(txn kv.Txn) error {
		v, err := txn.Get([]byte(key))
		out = v
		return err
	}))
	return out
}

func scan(t *testing.T, db kv.DB, prefix string) ([]string, []string) {
	t.Helper()
	var keys, values []string
	require.NoError(t, db.View(context.Background(), func(txn kv.Txn) error {
		return txn.Iterate([]byte(prefix), func(k, v []byte) error {
			keys = append(keys, string(k))
			values = append(values, string(v))
			return nil
		})
	}))
	return keys, values
}
