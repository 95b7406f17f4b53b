package vfs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

const (
	// SystemModule is the reserved, protected module that holds the registry.
	SystemModule = "__system"

	// registryPath is where the module list lives inside SystemModule.
	registryPath = "/modules.json"
)

// ProtectedTags are created at Init and can never be deleted.
var ProtectedTags = []string{"archived", "inbox", "pinned"}

// MountOptions configures a new module.
type MountOptions struct {
	Description string
	Protected   bool
	SyncEnabled bool
}

// Mount creates a module and its root directory.
func (v *VFS) Mount(ctx context.Context, name string, opts MountOptions) (*store.Module, error) {
	if err := ValidateModuleName(name); err != nil {
		return nil, err
	}
	if name == SystemModule {
		return nil, store.NewError(store.ErrPermissionDenied, name, "module name is reserved")
	}

	var mod *store.Module
	var mods []*store.Module
	err := v.mutate(ctx, "mount", func(tx *store.Tx, emit emitFunc) error {
		var err error
		mods, err = v.readRegistry(tx)
		if err != nil {
			return err
		}
		for _, m := range mods {
			if m.Name == name {
				return store.NewError(store.ErrAlreadyExists, name, "module already mounted")
			}
		}
		exists, err := tx.PathExists(CanonicalPath(name, "/"))
		if err != nil {
			return err
		}
		if exists {
			return store.NewError(store.ErrAlreadyExists, name, "module root already exists")
		}

		now := v.stamp()
		root := &store.Node{
			ID:         uuid.New(),
			Name:       name,
			Type:       store.NodeTypeDirectory,
			Path:       CanonicalPath(name, "/"),
			Module:     name,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := tx.PutNode(root); err != nil {
			return err
		}

		mod = &store.Module{
			Name:        name,
			RootID:      root.ID,
			Description: opts.Description,
			Protected:   opts.Protected,
			SyncEnabled: opts.SyncEnabled,
			CreatedAt:   now,
		}
		mods = append(mods, mod)
		if err := v.writeRegistry(tx, mods); err != nil {
			return err
		}

		emit(events.Event{Type: events.ModuleMounted, Node: root, Data: map[string]any{"module": *mod}})
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.setModulesLocked(mods)
	v.mu.Unlock()

	cp := *mod
	return &cp, nil
}

// Unmount deletes an unprotected module and its whole tree.
func (v *VFS) Unmount(ctx context.Context, name string) ([]uuid.UUID, error) {
	if name == SystemModule {
		return nil, store.NewError(store.ErrPermissionDenied, name, "system module cannot be unmounted")
	}

	var removed []uuid.UUID
	var mods []*store.Module
	err := v.mutate(ctx, "unmount", func(tx *store.Tx, emit emitFunc) error {
		var err error
		mods, err = v.readRegistry(tx)
		if err != nil {
			return err
		}

		idx := -1
		for i, m := range mods {
			if m.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return store.NewNotFoundError(name, "module")
		}
		mod := mods[idx]
		if mod.Protected {
			return store.NewError(store.ErrPermissionDenied, name, "module is protected")
		}

		root, err := tx.GetNode(mod.RootID)
		if err != nil {
			return err
		}
		var nodes []*store.Node
		nodes, err = v.removeSubtree(tx, root)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			removed = append(removed, n.ID)
		}

		mods = append(mods[:idx:idx], mods[idx+1:]...)
		if err := v.writeRegistry(tx, mods); err != nil {
			return err
		}

		emit(events.Event{
			Type: events.ModuleUnmounted,
			Node: root,
			Data: map[string]any{"module": *mod, "removed_ids": removed, "removed": nodes},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.setModulesLocked(mods)
	v.mu.Unlock()
	return removed, nil
}

// GetModule returns a mounted module.
func (v *VFS) GetModule(ctx context.Context, name string) (*store.Module, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	m, ok := v.modules[name]
	if !ok {
		return nil, store.NewNotFoundError(name, "module")
	}
	cp := *m
	return &cp, nil
}

// ListModules returns user modules ordered by name.
func (v *VFS) ListModules(ctx context.Context) []*store.Module {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]*store.Module, 0, len(v.modules))
	for _, m := range v.modules {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetModuleSync toggles a module's sync eligibility.
func (v *VFS) SetModuleSync(ctx context.Context, name string, enabled bool) (*store.Module, error) {
	var mods []*store.Module
	var mod *store.Module
	err := v.mutate(ctx, "module_sync", func(tx *store.Tx, emit emitFunc) error {
		var err error
		mods, err = v.readRegistry(tx)
		if err != nil {
			return err
		}
		for _, m := range mods {
			if m.Name == name {
				mod = m
			}
		}
		if mod == nil {
			return store.NewNotFoundError(name, "module")
		}
		mod.SyncEnabled = enabled
		return v.writeRegistry(tx, mods)
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.setModulesLocked(mods)
	v.mu.Unlock()
	cp := *mod
	return &cp, nil
}

func (v *VFS) setModulesLocked(mods []*store.Module) {
	v.modules = make(map[string]*store.Module, len(mods))
	for _, m := range mods {
		v.modules[m.Name] = m
	}
}

// ensureWritable rejects mutations of the system module.
func ensureWritable(n *store.Node) error {
	if n.Module == SystemModule {
		return store.NewError(store.ErrPermissionDenied, n.Path, "system module is read-only")
	}
	return nil
}

// ============================================================================
// Registry persistence
// ============================================================================

func (v *VFS) ensureSystemModule(tx *store.Tx) error {
	rootPath := CanonicalPath(SystemModule, "/")
	root, err := tx.GetNodeByPath(rootPath)
	if store.IsNotFound(err) {
		now := v.stamp()
		root = &store.Node{
			ID:         uuid.New(),
			Name:       SystemModule,
			Type:       store.NodeTypeDirectory,
			Path:       rootPath,
			Module:     SystemModule,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := tx.PutNode(root); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	exists, err := tx.PathExists(CanonicalPath(SystemModule, registryPath))
	if err != nil {
		return err
	}
	if !exists {
		return v.writeRegistry(tx, nil)
	}
	return nil
}

func (v *VFS) ensureProtectedTags(tx *store.Tx) error {
	for _, name := range ProtectedTags {
		t, err := tx.GetTag(name)
		if store.IsNotFound(err) {
			t = &store.Tag{Name: name, CreatedAt: v.now()}
		} else if err != nil {
			return err
		}
		if t.Protected {
			continue
		}
		t.Protected = true
		if err := tx.PutTag(t); err != nil {
			return err
		}
	}
	return nil
}

func (v *VFS) readRegistry(tx *store.Tx) ([]*store.Module, error) {
	n, err := tx.GetNodeByPath(CanonicalPath(SystemModule, registryPath))
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := tx.GetContent(n.ContentRef)
	if err != nil {
		return nil, err
	}

	var mods []*store.Module
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &mods); err != nil {
			return nil, fmt.Errorf("corrupt module registry: %w", err)
		}
	}
	return mods, nil
}

// writeRegistry rewrites /modules.json inside the system module.
func (v *VFS) writeRegistry(tx *store.Tx, mods []*store.Module) error {
	if mods == nil {
		mods = []*store.Module{}
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
	data, err := json.MarshalIndent(mods, "", "  ")
	if err != nil {
		return err
	}

	root, err := tx.GetNodeByPath(CanonicalPath(SystemModule, "/"))
	if err != nil {
		return err
	}

	now := v.stamp()
	path := CanonicalPath(SystemModule, registryPath)
	n, err := tx.GetNodeByPath(path)
	if store.IsNotFound(err) {
		id := uuid.New()
		n = &store.Node{
			ID:         id,
			ParentID:   root.ID,
			Name:       registryPath[1:],
			Type:       store.NodeTypeFile,
			Path:       path,
			Module:     SystemModule,
			ContentRef: store.ContentRef(id),
			CreatedAt:  now,
		}
	} else if err != nil {
		return err
	}
	n.Size = int64(len(data))
	n.ModifiedAt = now

	if err := tx.PutContent(&store.ContentRecord{Ref: n.ContentRef, NodeID: n.ID, Data: data, CreatedAt: now}); err != nil {
		return err
	}
	return tx.PutNode(n)
}
