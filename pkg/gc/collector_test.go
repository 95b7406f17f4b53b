package gc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/memory"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	v    *vfs.VFS
	st   *store.Store
	file *store.Node
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.New(memory.New())
	v := vfs.New(st, vfs.Options{})
	require.NoError(t, v.Init(ctx))
	t.Cleanup(func() { _ = v.Shutdown(ctx) })

	_, err := v.Mount(ctx, "notes", vfs.MountOptions{})
	require.NoError(t, err)
	file, err := v.CreateNode(ctx, "notes", "/a.md", store.NodeTypeFile,
		vfs.CreateOptions{Content: []byte("kept"), Tags: []string{"todo"}})
	require.NoError(t, err)

	return &fixture{v: v, st: st, file: file}
}

// damage leaves the kind of garbage a crash or a drifted counter produces.
func (f *fixture) damage(t *testing.T) {
	t.Helper()
	ghost := uuid.New()
	err := f.st.WithTransaction(context.Background(), func(tx *store.Tx) error {
		if err := tx.PutContent(&store.ContentRecord{Ref: store.ContentRef(ghost), Data: []byte("lost")}); err != nil {
			return err
		}
		if err := tx.PutContent(&store.ContentRecord{Ref: "legacy-ref", Data: []byte("x")}); err != nil {
			return err
		}
		if err := tx.PutSRS(&store.SRSItem{NodeID: ghost, ClozeID: "c1", Due: now}); err != nil {
			return err
		}
		if err := tx.PutTag(&store.Tag{Name: "todo", RefCount: 7}); err != nil {
			return err
		}
		if err := tx.PutTag(&store.Tag{Name: "stale", RefCount: 3}); err != nil {
			return err
		}
		return tx.PutTag(&store.Tag{Name: "colored", Color: "#00ff00"})
	})
	require.NoError(t, err)
}

func (f *fixture) changes(t *testing.T) []*store.Change {
	t.Helper()
	var out []*store.Change
	require.NoError(t, f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.ListChanges("", nil)
		return err
	}))
	return out
}

func TestRunOnceRepairsStore(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.damage(t)

	c, err := NewCollector(f.st, Config{Now: func() time.Time { return now }})
	require.NoError(t, err)

	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.OrphanedContent)
	assert.EqualValues(t, 2, stats.DeletedContent)
	assert.EqualValues(t, 1, stats.DeletedSRS)
	assert.EqualValues(t, 1, stats.PrunedTags)
	assert.EqualValues(t, 1, stats.RepairedTags)
	assert.NotEmpty(t, stats.Summary())

	data, err := f.v.Read(ctx, f.file.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))

	todo, err := f.v.GetTag(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, 1, todo.RefCount)

	_, err = f.v.GetTag(ctx, "stale")
	assert.True(t, store.IsNotFound(err))
	_, err = f.v.GetTag(ctx, "colored")
	assert.NoError(t, err)
	_, err = f.v.GetTag(ctx, "pinned")
	assert.NoError(t, err, "protected tags survive")

	again, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.OrphanedContent)
	assert.Zero(t, again.PrunedTags)
	assert.Zero(t, again.RepairedTags)
}

func TestDryRunDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.damage(t)

	c, err := NewCollector(f.st, Config{DryRun: true})
	require.NoError(t, err)
	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.OrphanedContent)
	assert.Zero(t, stats.DeletedContent)
	assert.EqualValues(t, 1, stats.OrphanedSRS)
	assert.Zero(t, stats.DeletedSRS)

	_, err = f.v.GetTag(ctx, "stale")
	assert.NoError(t, err)
}

func TestChangeRetention(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	put := func(synced bool, age time.Duration) string {
		ch := &store.Change{
			ID: ulid.Make().String(), Collection: "nodes", Key: "notes:/a.md",
			Op: store.OpUpdate, Timestamp: now.Add(-age), Synced: synced,
		}
		require.NoError(t, f.st.WithTransaction(ctx, func(tx *store.Tx) error { return tx.PutChange(ch) }))
		return ch.ID
	}
	before := len(f.changes(t))
	old := put(true, 48*time.Hour)
	pending := put(false, 48*time.Hour)
	recent := put(true, time.Hour)

	c, err := NewCollector(f.st, Config{
		ChangeRetention: 24 * time.Hour,
		BatchSize:       1,
		Now:             func() time.Time { return now },
	})
	require.NoError(t, err)
	stats, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.DeletedChanges)

	ids := map[string]bool{}
	for _, ch := range f.changes(t) {
		ids[ch.ID] = true
	}
	assert.False(t, ids[old])
	assert.True(t, ids[pending])
	assert.True(t, ids[recent])
	assert.Len(t, ids, before+2)
}

func TestStartStop(t *testing.T) {
	f := setup(t)

	disabled, err := NewCollector(f.st, Config{})
	require.NoError(t, err)
	disabled.Start()
	assert.NoError(t, disabled.Stop(context.Background()))

	c, err := NewCollector(f.st, Config{Enabled: true, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	c.Start()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.Stop(ctx))
	assert.NoError(t, c.Stop(ctx))

	_, err = NewCollector(nil, Config{})
	assert.Error(t, err)
}
