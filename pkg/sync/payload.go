package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

// NodePayload is the state of a node. Content is base64 in JSON.
type NodePayload struct {
	Type     store.NodeType `json:"type"`
	Content  []byte         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// TagPayload is the synced part of a tag record. Reference counts are
// derived locally from node tags.
type TagPayload struct {
	Color string `json:"color,omitempty"`
}

// SRSPayload is the state of an SRS item.
type SRSPayload struct {
	Due          time.Time  `json:"due"`
	Interval     float64    `json:"interval"`
	Ease         float64    `json:"ease"`
	ReviewCount  int        `json:"reviewCount"`
	LastReviewed *time.Time `json:"lastReviewed,omitempty"`
}

// ModulePayload is the state of a module.
type ModulePayload struct {
	Description string `json:"description,omitempty"`
	Protected   bool   `json:"protected,omitempty"`
}

func (e *Engine) nodePayload(ctx context.Context, n *store.Node) (json.RawMessage, error) {
	p := NodePayload{Type: n.Type, Metadata: n.Metadata, Tags: n.Tags}
	if !n.IsDir() {
		data, err := e.vfs.Read(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		p.Content = data
	}
	return json.Marshal(p)
}

func srsPayload(it *store.SRSItem) (json.RawMessage, error) {
	return json.Marshal(SRSPayload{
		Due:          it.Due,
		Interval:     it.Interval,
		Ease:         it.Ease,
		ReviewCount:  it.ReviewCount,
		LastReviewed: it.LastReviewed,
	})
}

// snapshot returns the current local state of a key as a change op and
// payload. Missing keys are reported as deletes.
func (e *Engine) snapshot(ctx context.Context, collection, key string) (store.ChangeOp, json.RawMessage, error) {
	switch collection {
	case protocol.CollectionNodes:
		module, path, _, ok := protocol.SplitKey(collection, key)
		if !ok {
			return "", nil, badKey(collection, key)
		}
		n, err := e.vfs.StatPath(ctx, module, path)
		if store.IsNotFound(err) {
			return store.OpDelete, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		p, err := e.nodePayload(ctx, n)
		return store.OpUpdate, p, err

	case protocol.CollectionTags:
		t, err := e.vfs.GetTag(ctx, key)
		if store.IsNotFound(err) {
			return store.OpDelete, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		p, err := json.Marshal(TagPayload{Color: t.Color})
		return store.OpUpdate, p, err

	case protocol.CollectionSRS:
		module, path, cloze, ok := protocol.SplitKey(collection, key)
		if !ok {
			return "", nil, badKey(collection, key)
		}
		n, err := e.vfs.StatPath(ctx, module, path)
		if store.IsNotFound(err) {
			return store.OpDelete, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		items, err := e.vfs.GetSRSItemsForNode(ctx, n.ID)
		if err != nil {
			return "", nil, err
		}
		for _, it := range items {
			if it.ClozeID == cloze {
				p, err := srsPayload(it)
				return store.OpUpdate, p, err
			}
		}
		return store.OpDelete, nil, nil

	case protocol.CollectionModules:
		m, err := e.vfs.GetModule(ctx, key)
		if store.IsNotFound(err) {
			return store.OpDelete, nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		p, err := json.Marshal(ModulePayload{Description: m.Description, Protected: m.Protected})
		return store.OpUpdate, p, err
	}
	return "", nil, fmt.Errorf("unknown collection %q", collection)
}

// apply writes a remote change through the VFS façade. The context is
// marked remote so the tracker does not record it again.
func (e *Engine) apply(ctx context.Context, ch *store.Change) error {
	ctx = events.WithOrigin(ctx, events.OriginRemote)

	switch ch.Collection {
	case protocol.CollectionModules:
		return e.applyModule(ctx, ch)
	case protocol.CollectionNodes:
		return e.applyNode(ctx, ch)
	case protocol.CollectionTags:
		return e.applyTag(ctx, ch)
	case protocol.CollectionSRS:
		return e.applySRS(ctx, ch)
	}
	return fmt.Errorf("unknown collection %q", ch.Collection)
}

func (e *Engine) applyModule(ctx context.Context, ch *store.Change) error {
	if ch.Op == store.OpDelete {
		_, err := e.vfs.Unmount(ctx, ch.Key)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var p ModulePayload
	if err := decode(ch, &p); err != nil {
		return err
	}
	_, err := e.vfs.Mount(ctx, ch.Key, vfs.MountOptions{
		Description: p.Description,
		Protected:   p.Protected,
		SyncEnabled: true,
	})
	if store.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (e *Engine) applyNode(ctx context.Context, ch *store.Change) error {
	module, path, _, ok := protocol.SplitKey(ch.Collection, ch.Key)
	if !ok {
		return badKey(ch.Collection, ch.Key)
	}

	if ch.Op == store.OpDelete {
		n, err := e.vfs.StatPath(ctx, module, path)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = e.vfs.Unlink(ctx, n.ID, vfs.UnlinkOptions{Recursive: true})
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var p NodePayload
	if err := decode(ch, &p); err != nil {
		return err
	}
	if !p.Type.Valid() {
		return fmt.Errorf("malformed payload for %s: invalid node type %q", ch.Key, p.Type)
	}
	if err := e.ensureModule(ctx, module); err != nil {
		return err
	}

	opts := vfs.PutOptions{Type: p.Type, Metadata: p.Metadata, Tags: p.Tags}
	if p.Type == store.NodeTypeFile {
		opts.Content = p.Content
		if opts.Content == nil {
			opts.Content = []byte{}
		}
	}
	_, err := e.vfs.Put(ctx, module, path, opts)
	return err
}

func (e *Engine) ensureModule(ctx context.Context, module string) error {
	if _, err := e.vfs.GetModule(ctx, module); err == nil {
		return nil
	}
	_, err := e.vfs.Mount(ctx, module, vfs.MountOptions{SyncEnabled: true})
	if store.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (e *Engine) applyTag(ctx context.Context, ch *store.Change) error {
	if ch.Op == store.OpDelete {
		_, err := e.vfs.DeleteTag(ctx, ch.Key)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var p TagPayload
	if err := decode(ch, &p); err != nil {
		return err
	}
	_, err := e.vfs.SetTagColor(ctx, ch.Key, p.Color)
	return err
}

func (e *Engine) applySRS(ctx context.Context, ch *store.Change) error {
	module, path, cloze, ok := protocol.SplitKey(ch.Collection, ch.Key)
	if !ok {
		return badKey(ch.Collection, ch.Key)
	}
	n, err := e.vfs.StatPath(ctx, module, path)
	if err != nil {
		if ch.Op == store.OpDelete && store.IsNotFound(err) {
			return nil
		}
		return err
	}

	if ch.Op == store.OpDelete {
		err := e.vfs.DeleteSRSItem(ctx, n.ID, cloze)
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	var p SRSPayload
	if err := decode(ch, &p); err != nil {
		return err
	}
	_, err = e.vfs.PutSRSItem(ctx, store.SRSItem{
		NodeID:       n.ID,
		ClozeID:      cloze,
		Due:          p.Due,
		Interval:     p.Interval,
		Ease:         p.Ease,
		ReviewCount:  p.ReviewCount,
		LastReviewed: p.LastReviewed,
	})
	return err
}

func decode(ch *store.Change, v any) error {
	if len(ch.Payload) == 0 {
		return fmt.Errorf("malformed payload for %s %s: empty", ch.Collection, ch.Key)
	}
	if err := json.Unmarshal(ch.Payload, v); err != nil {
		return fmt.Errorf("malformed payload for %s %s: %w", ch.Collection, ch.Key, err)
	}
	return nil
}

func badKey(collection, key string) error {
	return store.NewError(store.ErrInvalidOperation, key, "malformed %s key", collection)
}
