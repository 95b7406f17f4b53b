package backup

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/memory"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

var binary = []byte{0x00, 0xff, 0xfe, 0x10, 0x80}

func newVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	ctx := context.Background()
	v := vfs.New(store.New(memory.New()), vfs.Options{})
	require.NoError(t, v.Init(ctx))
	t.Cleanup(func() { _ = v.Shutdown(ctx) })
	return v
}

// populate builds a small module with text, binary, tags and SRS data.
func populate(t *testing.T, v *vfs.VFS) {
	t.Helper()
	ctx := context.Background()

	_, err := v.Mount(ctx, "notes", vfs.MountOptions{Description: "my notes", SyncEnabled: true})
	require.NoError(t, err)

	_, err = v.CreateNode(ctx, "notes", "/a.md", store.NodeTypeFile, vfs.CreateOptions{
		Content:  []byte("# hello"),
		Metadata: map[string]any{"title": "Hello"},
		Tags:     []string{"todo"},
	})
	require.NoError(t, err)

	img, err := v.CreateNode(ctx, "notes", "/img/logo.bin", store.NodeTypeFile, vfs.CreateOptions{
		Content: binary,
		Parents: true,
	})
	require.NoError(t, err)

	_, err = v.CreateNode(ctx, "notes", "/empty", store.NodeTypeDirectory, vfs.CreateOptions{})
	require.NoError(t, err)

	ease := 2.1
	_, err = v.UpdateSRSItem(ctx, img.ID, "c1", vfs.SRSPatch{Ease: &ease})
	require.NoError(t, err)

	_, err = v.SetTagColor(ctx, "todo", "#ff0000")
	require.NoError(t, err)
}

func TestExportDocument(t *testing.T) {
	v := newVFS(t)
	populate(t, v)

	doc, err := Export(context.Background(), v, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, Version, doc.Version)
	require.Len(t, doc.Modules, 1)

	m := doc.Modules[0]
	assert.Equal(t, "notes", m.Module.Name)
	assert.Equal(t, "my notes", m.Module.Description)
	assert.True(t, m.Module.SyncEnabled)

	names := make([]string, 0, len(m.Tree.Children))
	for _, c := range m.Tree.Children {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a.md", "empty", "img"}, names)

	a := m.Tree.Children[0]
	assert.Equal(t, "# hello", a.Content)
	assert.Empty(t, a.ContentEncoding)
	assert.Equal(t, []string{"todo"}, a.Tags)
	assert.Equal(t, "Hello", a.Metadata["title"])

	logo := m.Tree.Children[2].Children[0]
	assert.Equal(t, EncodingBase64, logo.ContentEncoding)
	require.Len(t, logo.SRS, 1)
	assert.Equal(t, "c1", logo.SRS[0].ClozeID)
	assert.Equal(t, 2.1, logo.SRS[0].Ease)

	assert.Equal(t, []TagExport{{Name: "todo", Color: "#ff0000"}}, doc.Tags)
}

func TestExportUnknownModule(t *testing.T) {
	v := newVFS(t)
	_, err := Export(context.Background(), v, ExportOptions{Modules: []string{"missing"}})
	assert.True(t, store.IsNotFound(err))
}

func TestImportRestoresEverything(t *testing.T) {
	ctx := context.Background()
	src := newVFS(t)
	populate(t, src)
	doc, err := Export(ctx, src, ExportOptions{})
	require.NoError(t, err)

	data, err := Marshal(doc, EncodeOptions{Compress: true})
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	dst := newVFS(t)
	res, err := Import(ctx, dst, decoded, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modules)
	assert.Equal(t, 4, res.Nodes)
	assert.Equal(t, 1, res.SRS)

	mod, err := dst.GetModule(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "my notes", mod.Description)

	n, err := dst.StatPath(ctx, "notes", "/a.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"todo"}, n.Tags)
	assert.Equal(t, "Hello", n.Metadata["title"])

	logo, err := dst.StatPath(ctx, "notes", "/img/logo.bin")
	require.NoError(t, err)
	data, err = dst.Read(ctx, logo.ID)
	require.NoError(t, err)
	assert.Equal(t, binary, data)

	items, err := dst.GetSRSItemsForNode(ctx, logo.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2.1, items[0].Ease)

	tag, err := dst.GetTag(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, "#ff0000", tag.Color)
	assert.Equal(t, 1, tag.RefCount)

	_, err = dst.StatPath(ctx, "notes", "/empty")
	assert.NoError(t, err)
}

func TestImportExistingModule(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)
	populate(t, v)
	doc, err := Export(ctx, v, ExportOptions{})
	require.NoError(t, err)

	_, err = v.CreateNode(ctx, "notes", "/extra.md", store.NodeTypeFile, vfs.CreateOptions{Content: []byte("x")})
	require.NoError(t, err)

	_, err = Import(ctx, v, doc, ImportOptions{})
	assert.True(t, store.IsAlreadyExists(err))

	_, err = Import(ctx, v, doc, ImportOptions{Overwrite: true})
	require.NoError(t, err)

	_, err = v.StatPath(ctx, "notes", "/extra.md")
	assert.True(t, store.IsNotFound(err))
	_, err = v.StatPath(ctx, "notes", "/a.md")
	assert.NoError(t, err)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	ctx := context.Background()
	v := newVFS(t)

	tests := []struct {
		name string
		doc  *Document
	}{
		{"nil", nil},
		{"future version", &Document{Version: Version + 1}},
		{"file tree", &Document{Version: Version, Modules: []ModuleExport{{
			Module: ModuleInfo{Name: "m"}, Tree: &Entry{Type: store.NodeTypeFile},
		}}}},
		{"bad encoding", &Document{Version: Version, Modules: []ModuleExport{{
			Module: ModuleInfo{Name: "m2"},
			Tree: &Entry{Type: store.NodeTypeDirectory, Children: []*Entry{
				{Name: "x", Type: store.NodeTypeFile, Content: "abc", ContentEncoding: "rot13"},
			}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Import(ctx, v, tt.doc, ImportOptions{})
			assert.True(t, store.IsInvalidOperation(err), "got %v", err)
		})
	}
}

func TestDecodePlainAndCompressed(t *testing.T) {
	doc := &Document{Version: Version, ExportedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	plain, err := Marshal(doc, EncodeOptions{Indent: true})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(plain, []byte("{")))

	packed, err := Marshal(doc, EncodeOptions{Compress: true})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(packed, zstdMagic))

	for _, data := range [][]byte{plain, packed} {
		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, doc.ExportedAt, got.ExportedAt)
	}

	_, err = Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sink.Put(ctx, "b.json", []byte("2")))
	require.NoError(t, sink.Put(ctx, "a.json", []byte("1")))

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names)

	data, err := sink.Get(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), data)

	_, err = sink.Get(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	assert.True(t, store.IsInvalidOperation(sink.Put(ctx, "../escape", nil)))
}

type fakeS3 struct {
	mu      gosync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// ListObjectsV2 returns one key per page to exercise continuation.
func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
	}
	out := &s3.ListObjectsV2Output{}
	if start < len(keys) {
		out.Contents = []s3types.Object{{Key: aws.String(keys[start])}}
	}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[start+1])
	}
	return out, nil
}

func TestS3Sink(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{"other/x": []byte("ignored")}}

	_, err := NewS3Sink(client, "", "")
	assert.Error(t, err)

	sink, err := NewS3Sink(client, "bucket", "backups")
	require.NoError(t, err)

	v := newVFS(t)
	populate(t, v)
	_, err = Save(ctx, v, sink, "full.json.zst", ExportOptions{}, EncodeOptions{Compress: true})
	require.NoError(t, err)
	require.NoError(t, sink.Put(ctx, "old.json", []byte("{}")))
	assert.Contains(t, client.objects, "backups/full.json.zst")

	names, err := sink.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"full.json.zst", "old.json"}, names)

	doc, err := Load(ctx, sink, "full.json.zst")
	require.NoError(t, err)
	require.Len(t, doc.Modules, 1)
	assert.Equal(t, "notes", doc.Modules[0].Module.Name)

	_, err = sink.Get(ctx, "nope")
	assert.True(t, store.IsNotFound(err))
}
