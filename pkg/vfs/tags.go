package vfs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// AddTag adds tag to a node. Adding a tag the node already has is a no-op.
func (v *VFS) AddTag(ctx context.Context, id uuid.UUID, tag string) (*store.Node, error) {
	if err := ValidateTagName(tag); err != nil {
		return nil, err
	}
	return v.changeTags(ctx, "add_tag", id, func(cur []string) []string {
		return append(cur, tag)
	})
}

// RemoveTag removes tag from a node. Removing an absent tag is a no-op.
func (v *VFS) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*store.Node, error) {
	return v.changeTags(ctx, "remove_tag", id, func(cur []string) []string {
		out := cur[:0:0]
		for _, t := range cur {
			if t != tag {
				out = append(out, t)
			}
		}
		return out
	})
}

// SetTags replaces a node's tag set.
func (v *VFS) SetTags(ctx context.Context, id uuid.UUID, tags []string) (*store.Node, error) {
	for _, t := range tags {
		if err := ValidateTagName(t); err != nil {
			return nil, err
		}
	}
	return v.changeTags(ctx, "set_tags", id, func([]string) []string {
		return tags
	})
}

func (v *VFS) changeTags(ctx context.Context, op string, id uuid.UUID, next func(cur []string) []string) (*store.Node, error) {
	var node *store.Node
	err := v.mutate(ctx, op, func(tx *store.Tx, emit emitFunc) error {
		var err error
		node, err = tx.GetNode(id)
		if err != nil {
			return err
		}
		if err := ensureWritable(node); err != nil {
			return err
		}

		now := v.stamp()
		added, removed, err := v.retagTx(tx, node, next(append([]string(nil), node.Tags...)), now)
		if err != nil {
			return err
		}
		if len(added) == 0 && len(removed) == 0 {
			return nil
		}

		node.ModifiedAt = now
		if err := tx.PutNode(node); err != nil {
			return err
		}
		emit(events.Event{
			Type: events.NodeTags,
			Node: node,
			Data: map[string]any{"added": added, "removed": removed},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// retagTx sets node.Tags to tags and adjusts reference counts. The node is
// not written.
func (v *VFS) retagTx(tx *store.Tx, node *store.Node, tags []string, now time.Time) (added, removed []string, err error) {
	want := store.NormalizeTags(tags)

	wantSet := make(map[string]struct{}, len(want))
	for _, t := range want {
		wantSet[t] = struct{}{}
		if !node.HasTag(t) {
			added = append(added, t)
		}
	}
	for _, t := range node.Tags {
		if _, ok := wantSet[t]; !ok {
			removed = append(removed, t)
		}
	}

	for _, t := range added {
		if _, err := tx.AdjustTagRef(t, 1, now); err != nil {
			return nil, nil, err
		}
	}
	for _, t := range removed {
		if _, err := tx.AdjustTagRef(t, -1, now); err != nil {
			return nil, nil, err
		}
	}
	node.Tags = want
	return added, removed, nil
}

// FindByTag returns every node carrying tag, ordered by path.
func (v *VFS) FindByTag(ctx context.Context, tag string) ([]*store.Node, error) {
	var out []*store.Node
	err := v.view(ctx, "find_by_tag", func(tx *store.Tx) error {
		ids, err := tx.NodeIDsByTag(tag)
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := tx.GetNode(id)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	sortByPath(out)
	return out, err
}

// GetTag returns a tag record.
func (v *VFS) GetTag(ctx context.Context, name string) (*store.Tag, error) {
	var t *store.Tag
	err := v.view(ctx, "get_tag", func(tx *store.Tx) error {
		var err error
		t, err = tx.GetTag(name)
		return err
	})
	return t, err
}

// ListTags returns all tag records ordered by name.
func (v *VFS) ListTags(ctx context.Context) ([]*store.Tag, error) {
	var tags []*store.Tag
	err := v.view(ctx, "list_tags", func(tx *store.Tx) error {
		var err error
		tags, err = tx.ListTags()
		return err
	})
	return tags, err
}

// SetTagColor sets (or clears, with "") a tag's display color, creating the
// record if needed.
func (v *VFS) SetTagColor(ctx context.Context, name, color string) (*store.Tag, error) {
	if err := ValidateTagName(name); err != nil {
		return nil, err
	}

	var tag *store.Tag
	err := v.mutate(ctx, "set_tag_color", func(tx *store.Tx, emit emitFunc) error {
		t, err := tx.GetTag(name)
		if store.IsNotFound(err) {
			t = &store.Tag{Name: name, CreatedAt: v.now()}
		} else if err != nil {
			return err
		}
		t.Color = color

		if t.RefCount == 0 && !t.Protected && t.Color == "" {
			if err := tx.DeleteTagRecord(name); err != nil {
				return err
			}
		} else if err := tx.PutTag(t); err != nil {
			return err
		}

		tag = t
		emit(events.Event{Type: events.TagUpdated, Data: map[string]any{"tag": *t}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// DeleteTag removes a tag from every node and deletes its record. Protected
// tags cannot be deleted.
func (v *VFS) DeleteTag(ctx context.Context, name string) ([]uuid.UUID, error) {
	var affected []uuid.UUID
	err := v.mutate(ctx, "delete_tag", func(tx *store.Tx, emit emitFunc) error {
		t, err := tx.GetTag(name)
		if err != nil {
			return err
		}
		if t.Protected {
			return store.NewError(store.ErrPermissionDenied, name, "tag is protected")
		}

		ids, err := tx.NodeIDsByTag(name)
		if err != nil {
			return err
		}
		now := v.stamp()
		for _, id := range ids {
			n, err := tx.GetNode(id)
			if err != nil {
				return err
			}
			kept := n.Tags[:0:0]
			for _, tag := range n.Tags {
				if tag != name {
					kept = append(kept, tag)
				}
			}
			n.Tags = kept
			n.ModifiedAt = now
			if err := tx.PutNode(n); err != nil {
				return err
			}
			emit(events.Event{Type: events.NodeTags, Node: n, Data: map[string]any{"removed": []string{name}}})
		}
		if err := tx.DeleteTagRecord(name); err != nil {
			return err
		}

		affected = ids
		emit(events.Event{Type: events.TagDeleted, Data: map[string]any{"tag": *t, "node_ids": ids}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}
