package vfs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// CreateOptions are the optional parts of CreateNode.
type CreateOptions struct {
	// Content of a file. Must be nil for directories.
	Content []byte

	Metadata map[string]any
	Tags     []string

	// Parents creates missing intermediate directories.
	Parents bool
}

// CreateNode creates a file or directory at path inside module.
func (v *VFS) CreateNode(ctx context.Context, module, path string, typ store.NodeType, opts CreateOptions) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "create", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = v.createTx(ctx, tx, emit, middleware.OpCreate, module, path, typ, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (v *VFS) createTx(ctx context.Context, tx *store.Tx, emit emitFunc, op middleware.Op, module, path string, typ store.NodeType, opts CreateOptions) (*store.Node, error) {
	if !typ.Valid() {
		return nil, store.NewError(store.ErrInvalidOperation, path, "invalid node type %q", typ)
	}
	if module == SystemModule {
		return nil, store.NewError(store.ErrPermissionDenied, path, "system module is read-only")
	}
	if typ == store.NodeTypeDirectory && opts.Content != nil {
		return nil, store.NewError(store.ErrInvalidOperation, path, "directories have no content")
	}

	userPath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	canonical := CanonicalPath(module, userPath)

	if _, err := tx.GetNodeByPath(CanonicalPath(module, "/")); err != nil {
		if store.IsNotFound(err) {
			return nil, store.NewNotFoundError(module, "module")
		}
		return nil, err
	}

	exists, err := tx.PathExists(canonical)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, store.NewError(store.ErrAlreadyExists, canonical, "node already exists")
	}

	parentPath, name := splitCanonical(canonical)
	parent, err := v.parentDir(tx, emit, module, parentPath, opts.Parents)
	if err != nil {
		return nil, err
	}

	now := v.stamp()
	node := &store.Node{
		ID:         uuid.New(),
		ParentID:   parent.ID,
		Name:       name,
		Type:       typ,
		Path:       canonical,
		Module:     module,
		CreatedAt:  now,
		ModifiedAt: now,
		Metadata:   middleware.ApplyPatch(nil, opts.Metadata),
		Tags:       store.NormalizeTags(opts.Tags),
	}

	for _, t := range node.Tags {
		if err := ValidateTagName(t); err != nil {
			return nil, err
		}
	}

	if typ == store.NodeTypeFile {
		if err := v.storeContent(ctx, tx, op, node, opts.Content, now); err != nil {
			return nil, err
		}
	}

	for _, t := range node.Tags {
		if _, err := tx.AdjustTagRef(t, 1, now); err != nil {
			return nil, err
		}
	}
	if err := tx.PutNode(node); err != nil {
		return nil, err
	}

	emit(events.Event{Type: events.NodeCreated, Node: node})
	return node, nil
}

// parentDir loads the directory at canonical path p, creating it (and its
// ancestors) when create is set.
func (v *VFS) parentDir(tx *store.Tx, emit emitFunc, module, p string, create bool) (*store.Node, error) {
	parent, err := tx.GetNodeByPath(p)
	if err == nil {
		if !parent.IsDir() {
			return nil, store.NewError(store.ErrInvalidOperation, p, "parent is not a directory")
		}
		return parent, nil
	}
	if !store.IsNotFound(err) || !create {
		if store.IsNotFound(err) {
			return nil, store.NewNotFoundError(p, "parent directory")
		}
		return nil, err
	}

	// Walk down from the module root creating what is missing.
	cur, err := tx.GetNodeByPath(CanonicalPath(module, "/"))
	if err != nil {
		return nil, err
	}
	rel := p[len(CanonicalPath(module, "/")):]
	segments, _ := NormalizePath(rel)
	if segments == "/" {
		return cur, nil
	}

	walked := cur.Path
	for _, seg := range splitSegments(segments) {
		walked += "/" + seg
		next, err := tx.GetNodeByPath(walked)
		if err == nil {
			if !next.IsDir() {
				return nil, store.NewError(store.ErrInvalidOperation, walked, "parent is not a directory")
			}
			cur = next
			continue
		}
		if !store.IsNotFound(err) {
			return nil, err
		}

		now := v.stamp()
		dir := &store.Node{
			ID:         uuid.New(),
			ParentID:   cur.ID,
			Name:       seg,
			Type:       store.NodeTypeDirectory,
			Path:       walked,
			Module:     module,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := tx.PutNode(dir); err != nil {
			return nil, err
		}
		emit(events.Event{Type: events.NodeCreated, Node: dir})
		cur = dir
	}
	return cur, nil
}

// storeContent runs the middleware chain and persists the content record of a
// file node, updating its size, content ref and metadata.
func (v *VFS) storeContent(ctx context.Context, tx *store.Tx, op middleware.Op, node *store.Node, content []byte, now time.Time) error {
	data, patch, err := v.chain.Run(ctx, middleware.Target{Op: op, Node: node}, content)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}

	node.ContentRef = store.ContentRef(node.ID)
	node.Size = int64(len(data))
	node.Metadata = middleware.ApplyPatch(node.Metadata, patch)

	rec := &store.ContentRecord{
		Ref:       node.ContentRef,
		NodeID:    node.ID,
		Data:      data,
		CreatedAt: now,
	}
	if err := tx.PutContent(rec); err != nil {
		return err
	}
	v.metrics.RecordBytesWritten(len(data))
	return nil
}

// Read returns the content of a file node.
func (v *VFS) Read(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := v.view(ctx, "read", func(tx *store.Tx) error {
		n, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		if n.IsDir() {
			return store.NewError(store.ErrInvalidOperation, n.Path, "cannot read a directory")
		}
		rec, err := tx.GetContent(n.ContentRef)
		if err != nil {
			return err
		}
		data = rec.Data
		return nil
	})
	return data, err
}

// Write replaces the content of a file node.
func (v *VFS) Write(ctx context.Context, id uuid.UUID, content []byte) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "write", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = v.writeTx(ctx, tx, emit, id, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (v *VFS) writeTx(ctx context.Context, tx *store.Tx, emit emitFunc, id uuid.UUID, content []byte) (*store.Node, error) {
	node, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	if err := ensureWritable(node); err != nil {
		return nil, err
	}
	if node.IsDir() {
		return nil, store.NewError(store.ErrInvalidOperation, node.Path, "cannot write to a directory")
	}

	now := v.stamp()
	node.ModifiedAt = now
	if err := v.storeContent(ctx, tx, middleware.OpWrite, node, content, now); err != nil {
		return nil, err
	}
	if err := tx.PutNode(node); err != nil {
		return nil, err
	}

	emit(events.Event{Type: events.NodeUpdated, Node: node, Data: map[string]any{"content": true}})
	return node, nil
}

// Stat returns a node.
func (v *VFS) Stat(ctx context.Context, id uuid.UUID) (*store.Node, error) {
	var node *store.Node
	err := v.view(ctx, "stat", func(tx *store.Tx) error {
		var err error
		node, err = tx.GetNode(id)
		return err
	})
	return node, err
}

// StatPath resolves and returns the node at path inside module.
func (v *VFS) StatPath(ctx context.Context, module, path string) (*store.Node, error) {
	userPath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	var node *store.Node
	err = v.view(ctx, "stat", func(tx *store.Tx) error {
		var err error
		node, err = tx.GetNodeByPath(CanonicalPath(module, userPath))
		return err
	})
	return node, err
}

// Resolve maps (module, path) to a node id.
func (v *VFS) Resolve(ctx context.Context, module, path string) (uuid.UUID, error) {
	n, err := v.StatPath(ctx, module, path)
	if err != nil {
		return uuid.Nil, err
	}
	return n.ID, nil
}

// Readdir lists a directory's children ordered by name.
func (v *VFS) Readdir(ctx context.Context, id uuid.UUID) ([]*store.Node, error) {
	var children []*store.Node
	err := v.view(ctx, "readdir", func(tx *store.Tx) error {
		n, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		if !n.IsDir() {
			return store.NewError(store.ErrInvalidOperation, n.Path, "not a directory")
		}
		children, err = tx.Children(id)
		return err
	})
	return children, err
}

// UpdateMetadata merges patch into a node's metadata; nil values delete keys.
func (v *VFS) UpdateMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "update_metadata", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = tx.GetNode(id)
		if err != nil {
			return err
		}
		if err := ensureWritable(node); err != nil {
			return err
		}
		node.Metadata = middleware.ApplyPatch(node.Metadata, patch)
		node.ModifiedAt = v.stamp()
		if err := tx.PutNode(node); err != nil {
			return err
		}
		emit(events.Event{Type: events.NodeUpdated, Node: node, Data: map[string]any{"metadata": true}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// PutOptions describes the desired state of a node for Put.
type PutOptions struct {
	Type     store.NodeType
	Content  []byte
	Metadata map[string]any
	Tags     []string
}

// Put creates or replaces the node at path so it matches opts, creating
// missing parents. Metadata and tags are replaced, not merged. This is the
// mutation used to apply remote changes and restore backups.
func (v *VFS) Put(ctx context.Context, module, path string, opts PutOptions) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "put", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = v.putTx(ctx, tx, emit, middleware.OpWrite, module, path, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (v *VFS) putTx(ctx context.Context, tx *store.Tx, emit emitFunc, op middleware.Op, module, path string, opts PutOptions) (*store.Node, error) {
	userPath, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	existing, err := tx.GetNodeByPath(CanonicalPath(module, userPath))
	if store.IsNotFound(err) {
		return v.createTx(ctx, tx, emit, op, module, userPath, opts.Type, CreateOptions{
			Content:  opts.Content,
			Metadata: opts.Metadata,
			Tags:     opts.Tags,
			Parents:  true,
		})
	}
	if err != nil {
		return nil, err
	}
	if err := ensureWritable(existing); err != nil {
		return nil, err
	}
	if existing.Type != opts.Type {
		return nil, store.NewError(store.ErrInvalidOperation, existing.Path,
			"node is a %s, not a %s", existing.Type, opts.Type)
	}

	now := v.stamp()
	existing.ModifiedAt = now
	existing.Metadata = middleware.ApplyPatch(nil, opts.Metadata)
	if _, _, err := v.retagTx(tx, existing, opts.Tags, now); err != nil {
		return nil, err
	}
	if existing.Type == store.NodeTypeFile {
		if err := v.storeContent(ctx, tx, op, existing, opts.Content, now); err != nil {
			return nil, err
		}
	}
	if err := tx.PutNode(existing); err != nil {
		return nil, err
	}

	emit(events.Event{Type: events.NodeUpdated, Node: existing, Data: map[string]any{"content": true, "metadata": true}})
	return existing, nil
}
