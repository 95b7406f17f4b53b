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

func TestAddTagIsIdempotent(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{})

	var tagEvents int
	v.On(events.NodeTags, func(context.Context, events.Event) error {
		tagEvents++
		return nil
	})

	_, err := v.AddTag(ctx, n.ID, "work")
	require.NoError(t, err)
	got, err := v.AddTag(ctx, n.ID, "work")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, got.Tags)
	assert.Equal(t, 1, tagEvents, "duplicate add emits nothing")

	tag, err := v.GetTag(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, tag.RefCount)

	got, err = v.RemoveTag(ctx, n.ID, "absent")
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, got.Tags)
	assert.Equal(t, 1, tagEvents)

	got, err = v.RemoveTag(ctx, n.ID, "work")
	require.NoError(t, err)
	assert.Empty(t, got.Tags)

	_, err = v.GetTag(ctx, "work")
	assert.True(t, store.IsNotFound(err), "colorless tag pruned at zero")
}

func TestSetTagsAndFindByTag(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	a := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{})
	b := mustCreate(t, v, "/b.md", store.NodeTypeFile, CreateOptions{Tags: []string{"red"}})

	_, err := v.SetTags(ctx, a.ID, []string{"red", "blue", "red"})
	require.NoError(t, err)

	nodes, err := v.FindByTag(ctx, "red")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, a.ID, nodes[0].ID)
	assert.Equal(t, b.ID, nodes[1].ID)

	red, err := v.GetTag(ctx, "red")
	require.NoError(t, err)
	assert.Equal(t, 2, red.RefCount)

	_, err = v.SetTags(ctx, a.ID, nil)
	require.NoError(t, err)
	nodes, err = v.FindByTag(ctx, "blue")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	_, err = v.AddTag(ctx, uuid.New(), "red")
	assert.True(t, store.IsNotFound(err))
}

func TestTagColorKeepsRecord(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Tags: []string{"todo"}})

	_, err := v.SetTagColor(ctx, "todo", "#ff0000")
	require.NoError(t, err)
	_, err = v.RemoveTag(ctx, n.ID, "todo")
	require.NoError(t, err)

	tag, err := v.GetTag(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, 0, tag.RefCount)
	assert.Equal(t, "#ff0000", tag.Color)

	_, err = v.SetTagColor(ctx, "todo", "")
	require.NoError(t, err)
	_, err = v.GetTag(ctx, "todo")
	assert.True(t, store.IsNotFound(err))
}

func TestDeleteTag(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	a := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Tags: []string{"old", "keep"}})
	b := mustCreate(t, v, "/b.md", store.NodeTypeFile, CreateOptions{Tags: []string{"old"}})

	affected, err := v.DeleteTag(ctx, "old")
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, affected)

	got, err := v.Stat(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, got.Tags)

	_, err = v.GetTag(ctx, "old")
	assert.True(t, store.IsNotFound(err))

	_, err = v.DeleteTag(ctx, "pinned")
	assert.True(t, store.IsPermissionDenied(err))

	_, err = v.DeleteTag(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestProtectedTagsSurviveZeroRefs(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Tags: []string{"inbox"}})

	_, err := v.RemoveTag(ctx, n.ID, "inbox")
	require.NoError(t, err)

	tags, err := v.ListTags(ctx)
	require.NoError(t, err)
	var names []string
	for _, tg := range tags {
		names = append(names, tg.Name)
		assert.True(t, tg.Protected)
	}
	assert.Equal(t, ProtectedTags, names)
}
