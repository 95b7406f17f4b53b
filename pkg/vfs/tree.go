package vfs

import (
	"context"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// MovedNode is one entry of the "moved" payload of a node:moved event.
type MovedNode struct {
	OldPath string
	Node    *store.Node
}

// Move renames or relocates a node within its module. For directories every
// descendant's path is recomputed.
func (v *VFS) Move(ctx context.Context, id uuid.UUID, newPath string) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "move", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = v.moveTx(tx, emit, id, newPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (v *VFS) moveTx(tx *store.Tx, emit emitFunc, id uuid.UUID, newPath string) (*store.Node, error) {
	node, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	if err := ensureWritable(node); err != nil {
		return nil, err
	}
	if node.IsRoot() {
		return nil, store.NewError(store.ErrInvalidOperation, node.Path, "cannot move a module root")
	}

	userPath, err := NormalizePath(newPath)
	if err != nil {
		return nil, err
	}
	target := CanonicalPath(node.Module, userPath)
	if target == node.Path {
		return node, nil
	}
	if node.IsDir() && isWithin(target, node.Path) {
		return nil, store.NewError(store.ErrInvalidOperation, target, "cannot move a directory into itself")
	}

	exists, err := tx.PathExists(target)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, store.NewError(store.ErrAlreadyExists, target, "node already exists")
	}

	parentPath, name := splitCanonical(target)
	parent, err := v.parentDir(tx, emit, node.Module, parentPath, false)
	if err != nil {
		return nil, err
	}

	now := v.stamp()
	oldPath := node.Path
	node.ParentID = parent.ID
	node.Name = name
	node.Path = target
	node.ModifiedAt = now
	if err := tx.PutNode(node); err != nil {
		return nil, err
	}

	moved := []MovedNode{{OldPath: oldPath, Node: node.Clone()}}

	// Children keep their parent id, only paths change.
	type item struct {
		id   uuid.UUID
		path string
	}
	stack := []item{{id: node.ID, path: node.Path}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := tx.Children(cur.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			old := child.Path
			child.Path = cur.path + "/" + child.Name
			if err := tx.PutNode(child); err != nil {
				return nil, err
			}
			moved = append(moved, MovedNode{OldPath: old, Node: child.Clone()})
			if child.IsDir() {
				stack = append(stack, item{id: child.ID, path: child.Path})
			}
		}
	}

	emit(events.Event{
		Type: events.NodeMoved,
		Node: node,
		Data: map[string]any{"old_path": oldPath, "moved": moved},
	})
	return node, nil
}

// CopyOptions are the optional parts of Copy.
type CopyOptions struct {
	// IncludeSRS duplicates SRS items onto the copies.
	IncludeSRS bool
}

// Copy duplicates a node (recursively for directories) at newPath inside the
// same module. Copies get new ids; tags are duplicated; SRS items only with
// IncludeSRS.
func (v *VFS) Copy(ctx context.Context, id uuid.UUID, newPath string, opts CopyOptions) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, "copy", func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = v.copyTx(ctx, tx, emit, id, newPath, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (v *VFS) copyTx(ctx context.Context, tx *store.Tx, emit emitFunc, id uuid.UUID, newPath string, opts CopyOptions) (*store.Node, error) {
	src, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	if err := ensureWritable(src); err != nil {
		return nil, err
	}
	if src.IsRoot() {
		return nil, store.NewError(store.ErrInvalidOperation, src.Path, "cannot copy a module root")
	}

	userPath, err := NormalizePath(newPath)
	if err != nil {
		return nil, err
	}
	target := CanonicalPath(src.Module, userPath)
	if src.IsDir() && isWithin(target, src.Path) {
		return nil, store.NewError(store.ErrInvalidOperation, target, "cannot copy a directory into itself")
	}

	exists, err := tx.PathExists(target)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, store.NewError(store.ErrAlreadyExists, target, "node already exists")
	}

	parentPath, name := splitCanonical(target)
	parent, err := v.parentDir(tx, emit, src.Module, parentPath, false)
	if err != nil {
		return nil, err
	}

	now := v.stamp()
	type item struct {
		src    *store.Node
		parent uuid.UUID
		name   string
		path   string
	}

	var root *store.Node
	var copies []*store.Node
	stack := []item{{src: src, parent: parent.ID, name: name, path: target}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cp := cur.src.Clone()
		cp.ID = uuid.New()
		cp.ParentID = cur.parent
		cp.Name = cur.name
		cp.Path = cur.path
		cp.ContentRef = ""
		cp.CreatedAt = now
		cp.ModifiedAt = now

		if cp.Type == store.NodeTypeFile {
			rec, err := tx.GetContent(cur.src.ContentRef)
			if err != nil {
				return nil, err
			}
			if err := v.storeContent(ctx, tx, middleware.OpCopy, cp, rec.Data, now); err != nil {
				return nil, err
			}
		}

		for _, t := range cp.Tags {
			if _, err := tx.AdjustTagRef(t, 1, now); err != nil {
				return nil, err
			}
		}

		if opts.IncludeSRS {
			items, err := tx.SRSForNode(cur.src.ID)
			if err != nil {
				return nil, err
			}
			for _, it := range items {
				dup := *it
				dup.NodeID = cp.ID
				if err := tx.PutSRS(&dup); err != nil {
					return nil, err
				}
			}
		}

		if err := tx.PutNode(cp); err != nil {
			return nil, err
		}
		if root == nil {
			root = cp
		}
		copies = append(copies, cp.Clone())

		if cur.src.IsDir() {
			children, err := tx.Children(cur.src.ID)
			if err != nil {
				return nil, err
			}
			for i := len(children) - 1; i >= 0; i-- {
				c := children[i]
				stack = append(stack, item{src: c, parent: cp.ID, name: c.Name, path: cp.Path + "/" + c.Name})
			}
		}
	}

	emit(events.Event{
		Type: events.NodeCopied,
		Node: root,
		Data: map[string]any{"source_id": src.ID, "copies": copies},
	})
	return root, nil
}

// UnlinkOptions are the optional parts of Unlink.
type UnlinkOptions struct {
	// Recursive allows removing a non-empty directory with its subtree.
	Recursive bool
}

// Unlink removes a node. It returns the ids of every removed node, starting
// with id itself. Tags are released, content and SRS items are deleted.
func (v *VFS) Unlink(ctx context.Context, id uuid.UUID, opts UnlinkOptions) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := v.mutate(ctx, "unlink", func(tx *store.Tx, emit emitFunc) error {
		var err error
		removed, err = v.unlinkTx(tx, emit, id, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (v *VFS) unlinkTx(tx *store.Tx, emit emitFunc, id uuid.UUID, opts UnlinkOptions) ([]uuid.UUID, error) {
	node, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}
	if err := ensureWritable(node); err != nil {
		return nil, err
	}
	if node.IsRoot() {
		return nil, store.NewError(store.ErrInvalidOperation, node.Path, "use Unmount to remove a module root")
	}
	if node.IsDir() && !opts.Recursive {
		has, err := tx.HasChildren(node.ID)
		if err != nil {
			return nil, err
		}
		if has {
			return nil, store.NewError(store.ErrInvalidOperation, node.Path, "directory not empty")
		}
	}

	nodes, err := v.removeSubtree(tx, node)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	emit(events.Event{
		Type: events.NodeDeleted,
		Node: node,
		Data: map[string]any{"removed_ids": ids, "removed": nodes},
	})
	return ids, nil
}

// removeSubtree deletes root and all its descendants with their content, SRS
// items and tag references. It returns the removed nodes, root first.
func (v *VFS) removeSubtree(tx *store.Tx, root *store.Node) ([]*store.Node, error) {
	now := v.now()

	var removed []*store.Node
	stack := []uuid.UUID{root.ID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := tx.GetNode(id)
		if err != nil {
			return nil, err
		}
		if n.IsDir() {
			children, err := tx.ChildIDs(id)
			if err != nil {
				return nil, err
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}

		if _, err := tx.DeleteNode(id); err != nil {
			return nil, err
		}
		if err := tx.DeleteContent(n.ContentRef); err != nil {
			return nil, err
		}
		if _, err := tx.DeleteSRSForNode(id); err != nil {
			return nil, err
		}
		for _, t := range n.Tags {
			if _, err := tx.AdjustTagRef(t, -1, now); err != nil {
				return nil, err
			}
		}
		removed = append(removed, n)
	}
	return removed, nil
}
