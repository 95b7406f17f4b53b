//go:build integration

package badger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/gc"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv/badger"
	notesync "github.com/mushuanli/itookit-sub011/pkg/sync"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

// openVFS opens a VFS on the badger database at path.
func openVFS(t *testing.T, ctx context.Context, path string) *vfs.VFS {
	t.Helper()
	db, err := badger.Open(ctx, badger.Config{Path: path})
	if err != nil {
		t.Fatalf("Failed to open badger database: %v", err)
	}
	v := vfs.New(store.New(db), vfs.Options{})
	if err := v.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize VFS: %v", err)
	}
	return v
}

// TestBadgerVFS_Integration verifies that a VFS backed by BadgerDB keeps
// its state across restarts.
//
// Prerequisites:
//   - None (BadgerDB is embedded, no external services needed)
//   - Run with: go test -tags=integration ./test/integration/badger/...
func TestBadgerVFS_Integration(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "device")

	var noteID string
	var deviceID string

	// ========================================================================
	// Populate: module, nested file, tags, SRS item, sync engine
	// ========================================================================

	t.Run("Populate", func(t *testing.T) {
		v := openVFS(t, ctx, dbPath)
		defer v.Shutdown(ctx)

		engine, err := notesync.New(ctx, v, notesync.Options{})
		if err != nil {
			t.Fatalf("Failed to create sync engine: %v", err)
		}
		defer engine.Close()
		deviceID = engine.DeviceID()

		if _, err := v.Mount(ctx, "notes", vfs.MountOptions{SyncEnabled: true}); err != nil {
			t.Fatalf("Mount failed: %v", err)
		}

		node, err := v.CreateNode(ctx, "notes", "/lang/go.md", store.NodeTypeFile, vfs.CreateOptions{
			Content:  []byte("{{c1::goroutines}} are cheap"),
			Metadata: map[string]any{"lang": "en"},
			Tags:     []string{"go", "study"},
			Parents:  true,
		})
		if err != nil {
			t.Fatalf("CreateNode failed: %v", err)
		}
		noteID = node.ID.String()

		if _, err := v.SetTagColor(ctx, "go", "#00add8"); err != nil {
			t.Fatalf("SetTagColor failed: %v", err)
		}
		if _, err := v.PutSRSItem(ctx, store.SRSItem{
			NodeID:   node.ID,
			ClozeID:  "c1",
			Due:      time.Now().Add(24 * time.Hour),
			Interval: 1,
			Ease:     2.5,
		}); err != nil {
			t.Fatalf("PutSRSItem failed: %v", err)
		}

		pending, err := engine.GetPendingChanges(ctx, notesync.Scope{})
		if err != nil {
			t.Fatalf("GetPendingChanges failed: %v", err)
		}
		if len(pending) == 0 {
			t.Fatal("Expected tracked changes after writes")
		}
	})

	// ========================================================================
	// Reopen: everything written above must still be there
	// ========================================================================

	t.Run("PersistsAcrossRestart", func(t *testing.T) {
		v := openVFS(t, ctx, dbPath)
		defer v.Shutdown(ctx)

		mod, err := v.GetModule(ctx, "notes")
		if err != nil {
			t.Fatalf("GetModule failed: %v", err)
		}
		if !mod.SyncEnabled {
			t.Error("Expected module to keep sync_enabled")
		}

		node, err := v.StatPath(ctx, "notes", "/lang/go.md")
		if err != nil {
			t.Fatalf("StatPath failed: %v", err)
		}
		if node.ID.String() != noteID {
			t.Errorf("Node ID changed: got %s, want %s", node.ID, noteID)
		}

		content, err := v.Read(ctx, node.ID)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(content) != "{{c1::goroutines}} are cheap" {
			t.Errorf("Unexpected content %q", content)
		}

		tag, err := v.GetTag(ctx, "go")
		if err != nil {
			t.Fatalf("GetTag failed: %v", err)
		}
		if tag.Color != "#00add8" || tag.RefCount != 1 {
			t.Errorf("Unexpected tag %+v", tag)
		}

		items, err := v.GetSRSItemsForNode(ctx, node.ID)
		if err != nil {
			t.Fatalf("GetSRSItemsForNode failed: %v", err)
		}
		if len(items) != 1 || items[0].ClozeID != "c1" {
			t.Errorf("Unexpected SRS items %+v", items)
		}

		engine, err := notesync.New(ctx, v, notesync.Options{})
		if err != nil {
			t.Fatalf("Failed to reopen sync engine: %v", err)
		}
		defer engine.Close()
		if engine.DeviceID() != deviceID {
			t.Errorf("Device ID changed: got %s, want %s", engine.DeviceID(), deviceID)
		}

		_, err = notesync.New(ctx, v, notesync.Options{DeviceID: "someone-else"})
		if !store.IsInvalidOperation(err) {
			t.Errorf("Expected INVALID_OPERATION for a foreign device ID, got %v", err)
		}
	})

	// ========================================================================
	// GC: a consistent store has nothing to collect
	// ========================================================================

	t.Run("GarbageCollection", func(t *testing.T) {
		v := openVFS(t, ctx, dbPath)
		defer v.Shutdown(ctx)

		collector, err := gc.NewCollector(v.Store(), gc.Config{})
		if err != nil {
			t.Fatalf("NewCollector failed: %v", err)
		}
		stats, err := collector.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
		if stats.DeletedContent != 0 || stats.DeletedSRS != 0 {
			t.Errorf("Unexpected deletions: %s", stats.Summary())
		}
	})
}
