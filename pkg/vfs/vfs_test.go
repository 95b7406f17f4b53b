package vfs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for due-date tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestVFS(t *testing.T, opts Options) *VFS {
	t.Helper()
	v := New(store.New(memory.New()), opts)
	require.NoError(t, v.Init(context.Background()))
	t.Cleanup(func() { _ = v.Shutdown(context.Background()) })
	return v
}

// newNotes returns a VFS with a mounted "notes" module.
func newNotes(t *testing.T) *VFS {
	t.Helper()
	v := newTestVFS(t, Options{})
	_, err := v.Mount(context.Background(), "notes", MountOptions{})
	require.NoError(t, err)
	return v
}

func mustCreate(t *testing.T, v *VFS, path string, typ store.NodeType, opts CreateOptions) *store.Node {
	t.Helper()
	n, err := v.CreateNode(context.Background(), "notes", path, typ, opts)
	require.NoError(t, err)
	return n
}

func TestCreateReadWrite(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Content: []byte("hello")})
	assert.Equal(t, "/notes/a.md", n.Path)
	assert.Equal(t, "a.md", n.Name)
	assert.Equal(t, int64(5), n.Size)
	assert.Equal(t, store.ContentRef(n.ID), n.ContentRef)

	data, err := v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	id, err := v.Resolve(ctx, "notes", "a.md")
	require.NoError(t, err)
	assert.Equal(t, n.ID, id)

	updated, err := v.Write(ctx, n.ID, []byte("bye"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Size)
	assert.True(t, updated.ModifiedAt.After(updated.CreatedAt))

	data, err = v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))

	got, err := v.Stat(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ModifiedAt, got.ModifiedAt)
}

func TestCreateErrors(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()
	mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{})
	dir := mustCreate(t, v, "/dir", store.NodeTypeDirectory, CreateOptions{})

	tests := []struct {
		name   string
		module string
		path   string
		typ    store.NodeType
		opts   CreateOptions
		check  func(error) bool
	}{
		{"occupied", "notes", "/a.md", store.NodeTypeFile, CreateOptions{}, store.IsAlreadyExists},
		{"module root", "notes", "/", store.NodeTypeDirectory, CreateOptions{}, store.IsAlreadyExists},
		{"missing parent", "notes", "/x/y.md", store.NodeTypeFile, CreateOptions{}, store.IsNotFound},
		{"parent is file", "notes", "/a.md/b", store.NodeTypeFile, CreateOptions{}, store.IsInvalidOperation},
		{"dotdot", "notes", "/../b", store.NodeTypeFile, CreateOptions{}, store.IsInvalidOperation},
		{"bad type", "notes", "/b", store.NodeType("link"), CreateOptions{}, store.IsInvalidOperation},
		{"dir with content", "notes", "/d2", store.NodeTypeDirectory, CreateOptions{Content: []byte("x")}, store.IsInvalidOperation},
		{"unknown module", "nope", "/a.md", store.NodeTypeFile, CreateOptions{}, store.IsNotFound},
		{"system module", SystemModule, "/x", store.NodeTypeFile, CreateOptions{}, store.IsPermissionDenied},
		{"empty tag", "notes", "/t.md", store.NodeTypeFile, CreateOptions{Tags: []string{" "}}, store.IsInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.CreateNode(ctx, tt.module, tt.path, tt.typ, tt.opts)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	_, err := v.Write(ctx, dir.ID, []byte("x"))
	assert.True(t, store.IsInvalidOperation(err))

	_, err = v.Read(ctx, dir.ID)
	assert.True(t, store.IsInvalidOperation(err))
}

func TestCreateWithParents(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	var created []string
	v.On(events.NodeCreated, func(_ context.Context, ev events.Event) error {
		created = append(created, ev.Node.Path)
		return nil
	})

	n := mustCreate(t, v, "deep//nested/./a.md", store.NodeTypeFile, CreateOptions{Parents: true})
	assert.Equal(t, "/notes/deep/nested/a.md", n.Path)
	assert.Equal(t, []string{"/notes/deep", "/notes/deep/nested", "/notes/deep/nested/a.md"}, created)

	parent, err := v.StatPath(ctx, "notes", "/deep/nested")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, n.ParentID)
	assert.True(t, parent.IsDir())
}

func TestReaddirOrderedByName(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	mustCreate(t, v, "/b.md", store.NodeTypeFile, CreateOptions{})
	mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{})
	mustCreate(t, v, "/c", store.NodeTypeDirectory, CreateOptions{})

	mod, err := v.GetModule(ctx, "notes")
	require.NoError(t, err)

	children, err := v.Readdir(ctx, mod.RootID)
	require.NoError(t, err)
	var names []string
	for _, c := range children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a.md", "b.md", "c"}, names)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	var seen []events.Event
	v.On(events.All, func(_ context.Context, ev events.Event) error {
		seen = append(seen, ev)
		return nil
	})

	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Content: []byte("x")})
	require.Len(t, seen, 1)
	assert.Equal(t, events.NodeCreated, seen[0].Type)
	assert.Equal(t, events.OriginLocal, seen[0].Origin)
	assert.Equal(t, n.ID, seen[0].Node.ID)

	// A failed operation emits nothing.
	_, err := v.CreateNode(ctx, "notes", "/a.md", store.NodeTypeFile, CreateOptions{})
	require.Error(t, err)
	assert.Len(t, seen, 1)

	remote := events.WithOrigin(ctx, events.OriginRemote)
	_, err = v.Write(remote, n.ID, []byte("y"))
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, events.OriginRemote, seen[1].Origin)
	assert.Equal(t, true, seen[1].Data["content"])
}

type rejectAll struct{}

func (rejectAll) Name() string { return "reject-all" }

func (rejectAll) OnValidate(context.Context, middleware.Target, []byte) error {
	return errors.New("nope")
}

func TestMiddlewareRunsInsideTransaction(t *testing.T) {
	v := newTestVFS(t, Options{Middleware: []middleware.Middleware{
		middleware.NormalizeLineEndings{},
		middleware.ContentHash{},
	}})
	ctx := context.Background()
	_, err := v.Mount(ctx, "notes", MountOptions{})
	require.NoError(t, err)

	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Content: []byte("a\r\nb")})
	data, err := v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", string(data))
	assert.Contains(t, n.Metadata["content_hash"], "blake3:")

	require.NoError(t, v.RegisterMiddleware(rejectAll{}))
	_, err = v.CreateNode(ctx, "notes", "/b.md", store.NodeTypeFile, CreateOptions{})
	require.Error(t, err)

	_, err = v.StatPath(ctx, "notes", "/b.md")
	assert.True(t, store.IsNotFound(err), "rejected create must roll back")

	_, err = v.Write(ctx, n.ID, []byte("changed"))
	require.Error(t, err)
	data, err = v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", string(data))

	assert.True(t, v.UnregisterMiddleware("reject-all"))
	_, err = v.Write(ctx, n.ID, []byte("changed"))
	require.NoError(t, err)
}

func TestUpdateMetadata(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	n := mustCreate(t, v, "/a.md", store.NodeTypeFile, CreateOptions{Metadata: map[string]any{"title": "A", "draft": true}})

	n, err := v.UpdateMetadata(ctx, n.ID, map[string]any{"draft": nil, "author": "me"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "A", "author": "me"}, n.Metadata)
}

func TestPutUpserts(t *testing.T) {
	v := newNotes(t)
	ctx := context.Background()

	n, err := v.Put(ctx, "notes", "/x/y.md", PutOptions{
		Type:    store.NodeTypeFile,
		Content: []byte("one"),
		Tags:    []string{"a"},
	})
	require.NoError(t, err)

	again, err := v.Put(ctx, "notes", "/x/y.md", PutOptions{
		Type:     store.NodeTypeFile,
		Content:  []byte("two"),
		Metadata: map[string]any{"k": "v"},
		Tags:     []string{"b"},
	})
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)
	assert.Equal(t, []string{"b"}, again.Tags)

	data, err := v.Read(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	_, err = v.GetTag(ctx, "a")
	assert.True(t, store.IsNotFound(err), "tag a should be pruned")

	_, err = v.Put(ctx, "notes", "/x", PutOptions{Type: store.NodeTypeFile})
	assert.True(t, store.IsInvalidOperation(err))
}

func TestStampIsMonotonic(t *testing.T) {
	clock := newFakeClock()
	v := newTestVFS(t, Options{Now: clock.Now})

	a := v.stamp()
	b := v.stamp()
	assert.True(t, b.After(a))
}
