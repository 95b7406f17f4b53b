package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
)

// GetNode loads a node by id.
func (tx *Tx) GetNode(id uuid.UUID) (*Node, error) {
	var n Node
	found, err := tx.getJSON(keyNode(id), &n)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(id.String(), "node")
	}
	return &n, nil
}

// LookupPath resolves a canonical path to a node id.
func (tx *Tx) LookupPath(path string) (uuid.UUID, error) {
	data, err := tx.txn.Get(keyPath(path))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return uuid.Nil, NewNotFoundError(path, "path")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup path %q: %w", path, err)
	}
	id, err := uuid.ParseBytes(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("corrupt path index %q: %w", path, err)
	}
	return id, nil
}

// GetNodeByPath resolves a canonical path and loads the node.
func (tx *Tx) GetNodeByPath(path string) (*Node, error) {
	id, err := tx.LookupPath(path)
	if err != nil {
		return nil, err
	}
	return tx.GetNode(id)
}

// PathExists reports whether a canonical path is taken.
func (tx *Tx) PathExists(path string) (bool, error) {
	_, err := tx.LookupPath(path)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// PutNode inserts or replaces a node and keeps the path, children and tag
// indexes consistent with it.
//
// Tag reference counts are not touched; see AdjustTagRef.
func (tx *Tx) PutNode(n *Node) error {
	n.Tags = NormalizeTags(n.Tags)

	var old Node
	found, err := tx.getJSON(keyNode(n.ID), &old)
	if err != nil {
		return err
	}

	if found {
		if old.Path != n.Path {
			if err := tx.del(keyPath(old.Path)); err != nil {
				return err
			}
		}
		if old.ParentID != uuid.Nil && (old.ParentID != n.ParentID || old.Name != n.Name) {
			if err := tx.del(keyChild(old.ParentID, old.Name)); err != nil {
				return err
			}
		}
		for _, t := range old.Tags {
			if !n.HasTag(t) {
				if err := tx.del(keyTagIndex(t, n.ID)); err != nil {
					return err
				}
			}
		}
	}

	if err := tx.putJSON(keyNode(n.ID), n); err != nil {
		return err
	}
	id := []byte(n.ID.String())
	if err := tx.set(keyPath(n.Path), id); err != nil {
		return err
	}
	if n.ParentID != uuid.Nil {
		if err := tx.set(keyChild(n.ParentID, n.Name), id); err != nil {
			return err
		}
	}
	for _, t := range n.Tags {
		if err := tx.set(keyTagIndex(t, n.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// DeleteNode removes a node and its index entries and returns what was
// removed. Content, SRS items and tag counts are left to the caller.
func (tx *Tx) DeleteNode(id uuid.UUID) (*Node, error) {
	n, err := tx.GetNode(id)
	if err != nil {
		return nil, err
	}

	if err := tx.del(keyNode(id)); err != nil {
		return nil, err
	}
	if err := tx.del(keyPath(n.Path)); err != nil {
		return nil, err
	}
	if n.ParentID != uuid.Nil {
		if err := tx.del(keyChild(n.ParentID, n.Name)); err != nil {
			return nil, err
		}
	}
	for _, t := range n.Tags {
		if err := tx.del(keyTagIndex(t, id)); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// ChildIDs lists the ids of a directory's children ordered by name.
func (tx *Tx) ChildIDs(parent uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := tx.scan(string(keyChildPrefix(parent)), func(key, value []byte) error {
		id, err := uuid.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("corrupt child index %q: %w", key, err)
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Children loads a directory's children ordered by name.
func (tx *Tx) Children(parent uuid.UUID) ([]*Node, error) {
	ids, err := tx.ChildIDs(parent)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := tx.GetNode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// HasChildren reports whether a directory is non-empty.
func (tx *Tx) HasChildren(parent uuid.UUID) (bool, error) {
	found := false
	err := tx.txn.Iterate(keyChildPrefix(parent), func(_, _ []byte) error {
		found = true
		return kv.ErrStop
	})
	return found, err
}

// LookupChild returns the id of the child called name.
func (tx *Tx) LookupChild(parent uuid.UUID, name string) (uuid.UUID, bool, error) {
	data, err := tx.txn.Get(keyChild(parent, name))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.ParseBytes(data)
	return id, err == nil, err
}

// NodesUnder returns every node whose canonical path starts with prefix,
// in path order. Pass "/<module>/" for a module's tree without its root.
func (tx *Tx) NodesUnder(prefix string) ([]*Node, error) {
	var out []*Node
	err := tx.scan(prefixPath+prefix, func(key, value []byte) error {
		id, err := uuid.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("corrupt path index %q: %w", key, err)
		}
		n, err := tx.GetNode(id)
		if err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// ScanNodes calls fn for every node.
func (tx *Tx) ScanNodes(fn func(n *Node) error) error {
	return scanJSON(tx, prefixNode, fn)
}

// ModuleOfPath returns the module segment of a canonical path.
func ModuleOfPath(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
