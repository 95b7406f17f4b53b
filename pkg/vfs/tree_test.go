package vfs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree creates /d/{a.md, sub/{b.md}} and returns d, a, sub, b.
func buildTree(t *testing.T, v *VFS) (d, a, sub, b *store.Node) {
	t.Helper()
	d = mustCreate(t, v, "/d", store.NodeTypeDirectory, CreateOptions{})
	a = mustCreate(t, v, "/d/a.md", store.NodeTypeFile, CreateOptions{Content: []byte("A"), Tags: []string{"x"}})
	sub = mustCreate(t, v, "/d/sub", store.NodeTypeDirectory, CreateOptions{})
	b = mustCreate(t, v, "/d/sub/b.md", store.NodeTypeFile, CreateOptions{Content: []byte("B"), Tags: []string{"x", "y"}})
	return d, a, sub, b
}

func TestMoveFile(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Content: []byte("hi")})
	dir := mustCreate(t, v, "/archive", store.NodeTypeDirectory, CreateOptions{})

	moved, err := v.Move(ctx, n.ID, "/archive/renamed.md")
	require.NoError(t, err)
	assert.Equal(t, n.ID, moved.ID)
	assert.Equal(t, dir.ID, moved.ParentID)
	assert.Equal(t, "renamed.md", moved.Name)
	assert.Equal(t, "/notes/archive/renamed.md", moved.Path)

	_, err = v.StatPath(ctx, "notes", "/a.md")
	assert.True(t, store.IsNotFound(err))

	data, err := v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestMoveDirectoryRewritesDescendants(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	d, _, _, b := buildTree(t, v)

	var ev events.Event
	v.On(events.NodeMoved, func(_ context.Context, e events.Event) error {
		ev = e
		return nil
	})

	_, err := v.Move(ctx, d.ID, "/e")
	require.NoError(t, err)

	got, err := v.Stat(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "/notes/e/sub/b.md", got.Path)

	id, err := v.Resolve(ctx, "notes", "/e/sub/b.md")
	require.NoError(t, err)
	assert.Equal(t, b.ID, id)

	_, err = v.StatPath(ctx, "notes", "/d/sub")
	assert.True(t, store.IsNotFound(err))

	assert.Equal(t, "/notes/d", ev.Data["old_path"])
	assert.Len(t, ev.Data["moved"], 4)
}

func TestMoveErrors(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	d, a, sub, _ := buildTree(t, v)
	mod, err := v.GetModule(ctx, "notes")
	require.NoError(t, err)

	_, err = v.Move(ctx, d.ID, "/d/sub/inner")
	assert.True(t, store.IsInvalidOperation(err), "move into own subtree")

	_, err = v.Move(ctx, a.ID, "/d/sub")
	assert.True(t, store.IsAlreadyExists(err))

	_, err = v.Move(ctx, sub.ID, "/missing/sub")
	assert.True(t, store.IsNotFound(err))

	_, err = v.Move(ctx, mod.RootID, "/x")
	assert.True(t, store.IsInvalidOperation(err))

	_, err = v.Move(ctx, uuid.New(), "/x")
	assert.True(t, store.IsNotFound(err))

	same, err := v.Move(ctx, a.ID, "d/a.md")
	require.NoError(t, err)
	assert.Equal(t, a.Path, same.Path)
}

func TestCopyDirectory(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	d, a, _, b := buildTree(t, v)

	_, err := v.UpdateSRSItem(ctx, a.ID, "c1", SRSPatch{})
	require.NoError(t, err)

	cp, err := v.Copy(ctx, d.ID, "/d2", CopyOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, d.ID, cp.ID)
	assert.Equal(t, "/notes/d2", cp.Path)

	cb, err := v.StatPath(ctx, "notes", "/d2/sub/b.md")
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, cb.ID)
	assert.Equal(t, []string{"x", "y"}, cb.Tags)

	data, err := v.Read(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))

	// Original untouched.
	data, err = v.Read(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))

	x, err := v.GetTag(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 4, x.RefCount)

	ca, err := v.StatPath(ctx, "notes", "/d2/a.md")
	require.NoError(t, err)
	items, err := v.GetSRSItemsForNode(ctx, ca.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "SRS is not copied by default")

	withSRS, err := v.Copy(ctx, a.ID, "/a-copy.md", CopyOptions{IncludeSRS: true})
	require.NoError(t, err)
	items, err = v.GetSRSItemsForNode(ctx, withSRS.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c1", items[0].ClozeID)
	assert.Equal(t, withSRS.ID, items[0].NodeID)
}

func TestCopyErrors(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	d, a, _, _ := buildTree(t, v)

	_, err := v.Copy(ctx, d.ID, "/d/sub/again", CopyOptions{})
	assert.True(t, store.IsInvalidOperation(err))

	_, err = v.Copy(ctx, a.ID, "/d/sub", CopyOptions{})
	assert.True(t, store.IsAlreadyExists(err))
}

func TestUnlink(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	d, a, sub, b := buildTree(t, v)

	_, err := v.Unlink(ctx, d.ID, UnlinkOptions{})
	assert.True(t, store.IsInvalidOperation(err), "non-empty directory needs Recursive")

	var ev events.Event
	v.On(events.NodeDeleted, func(_ context.Context, e events.Event) error {
		ev = e
		return nil
	})

	removed, err := v.Unlink(ctx, d.ID, UnlinkOptions{Recursive: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{d.ID, a.ID, sub.ID, b.ID}, removed)
	assert.Equal(t, d.ID, removed[0])
	assert.ElementsMatch(t, removed, ev.Data["removed_ids"])

	for _, id := range removed {
		_, err := v.Stat(ctx, id)
		assert.True(t, store.IsNotFound(err))
	}

	_, err = v.GetTag(ctx, "x")
	assert.True(t, store.IsNotFound(err), "unreferenced tag is pruned")

	require.NoError(t, v.Store().View(ctx, func(tx *store.Tx) error {
		refs, err := tx.ContentRefs()
		require.NoError(t, err)
		assert.NotContains(t, refs, a.ContentRef)
		assert.NotContains(t, refs, b.ContentRef)
		return nil
	}))
}

func TestUnlinkModuleRoot(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	mod, err := v.GetModule(ctx, "notes")
	require.NoError(t, err)

	_, err = v.Unlink(ctx, mod.RootID, UnlinkOptions{Recursive: true})
	assert.True(t, store.IsInvalidOperation(err))
}

func TestBatchOperations(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	nodes, err := v.BatchCreate(ctx, []CreateRequest{
		{Module: "notes", Path: "/a.md", Type: store.NodeTypeFile},
		{Module: "notes", Path: "/b.md", Type: store.NodeTypeFile},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	// One failure rolls back the whole batch.
	_, err = v.BatchCreate(ctx, []CreateRequest{
		{Module: "notes", Path: "/c.md", Type: store.NodeTypeFile},
		{Module: "notes", Path: "/a.md", Type: store.NodeTypeFile},
	})
	assert.True(t, store.IsAlreadyExists(err))
	_, err = v.StatPath(ctx, "notes", "/c.md")
	assert.True(t, store.IsNotFound(err))

	_, err = v.BatchWrite(ctx, []WriteRequest{
		{ID: nodes[0].ID, Content: []byte("1")},
		{ID: nodes[1].ID, Content: []byte("2")},
	})
	require.NoError(t, err)
	data, err := v.Read(ctx, nodes[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))

	removed, err := v.BatchUnlink(ctx, []uuid.UUID{nodes[0].ID, nodes[1].ID}, UnlinkOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{nodes[0].ID, nodes[1].ID}, removed)
}
