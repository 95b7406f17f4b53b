package sync

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
	"github.com/mushuanli/itookit-sub011/pkg/vclock"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
	"github.com/oklog/ulid/v2"
)

// Engine state kept in the store's metadata table.
const (
	metaClock      = "sync/clock"
	metaHeadPrefix = "sync/head/"
	metaCursor     = "sync/cursor/"
)

func headName(collection, key string) string {
	return metaHeadPrefix + collection + "/" + key
}

func loadClock(tx *store.Tx, name string) (vclock.Clock, error) {
	c := vclock.New()
	if _, err := tx.GetMeta(name, &c); err != nil {
		return nil, err
	}
	if c == nil {
		c = vclock.New()
	}
	return c, nil
}

// TrackChange records a local mutation: the device counter is incremented
// and the change is stamped with a snapshot of the device clock.
func (e *Engine) TrackChange(ctx context.Context, in ChangeInput) (*store.Change, error) {
	if in.Key == "" {
		return nil, store.NewError(store.ErrInvalidOperation, "", "change key is required")
	}
	switch in.Collection {
	case protocol.CollectionNodes, protocol.CollectionTags, protocol.CollectionSRS, protocol.CollectionModules:
	default:
		return nil, store.NewError(store.ErrInvalidOperation, in.Key, "unknown collection %q", in.Collection)
	}
	switch in.Op {
	case store.OpCreate, store.OpUpdate, store.OpDelete:
	default:
		return nil, store.NewError(store.ErrInvalidOperation, in.Key, "unknown op %q", in.Op)
	}

	var ch *store.Change
	err := e.update(ctx, func(tx *store.Tx) error {
		clock, err := loadClock(tx, metaClock)
		if err != nil {
			return err
		}
		clock.Increment(e.device)

		ch = &store.Change{
			ID:         ulid.Make().String(),
			Collection: in.Collection,
			Key:        in.Key,
			Op:         in.Op,
			Timestamp:  e.vfs.Now(),
			Payload:    in.Payload,
			Clock:      clock.Copy(),
			DeviceID:   e.device,
		}
		if err := tx.PutChange(ch); err != nil {
			return err
		}
		if err := tx.PutMeta(metaClock, clock); err != nil {
			return err
		}
		return tx.PutMeta(headName(in.Collection, in.Key), ch.Clock)
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events.SyncTracked, map[string]any{"change": *ch})
	return ch, nil
}

// GetPendingChanges lists unsynced changes in scope, oldest first.
func (e *Engine) GetPendingChanges(ctx context.Context, scope Scope) ([]*store.Change, error) {
	m, err := compileScope(scope)
	if err != nil {
		return nil, err
	}

	var out []*store.Change
	err = e.st.View(ctx, func(tx *store.Tx) error {
		out, err = tx.ListChanges("", func(c *store.Change) bool {
			return !c.Synced && m.Match(c.Collection, c.Key)
		})
		return err
	})
	return out, err
}

func compileScope(scope Scope) (*protocol.Matcher, error) {
	m, err := scope.Compile()
	if err != nil {
		return nil, store.NewError(store.ErrInvalidOperation, "", "invalid scope: %v", err)
	}
	return m, nil
}

// onEvent turns local VFS events into tracked changes.
func (e *Engine) onEvent(ctx context.Context, ev events.Event) error {
	if ev.Origin == events.OriginRemote || strings.HasPrefix(string(ev.Type), "sync:") {
		return nil
	}
	inputs, err := e.inputsFor(ctx, ev)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		if _, err := e.TrackChange(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) inputsFor(ctx context.Context, ev events.Event) ([]ChangeInput, error) {
	var out []ChangeInput

	switch ev.Type {
	case events.NodeCreated, events.NodeUpdated, events.NodeTags:
		n := ev.Node
		if n == nil || n.IsRoot() || !e.syncable(ctx, n.Module) {
			return nil, nil
		}
		op := store.OpUpdate
		if ev.Type == events.NodeCreated {
			op = store.OpCreate
		}
		in, err := e.nodeInput(ctx, n, op)
		if store.IsNotFound(err) {
			// Removed before we got to read it; the delete is tracked separately.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, in)

	case events.NodeMoved:
		if ev.Node == nil || !e.syncable(ctx, ev.Node.Module) {
			return nil, nil
		}
		moved, _ := ev.Data["moved"].([]vfs.MovedNode)
		for _, mv := range moved {
			oldKey := protocol.NodeKey(mv.Node.Module, userPathOf(mv.Node.Module, mv.OldPath))
			out = append(out, ChangeInput{Collection: protocol.CollectionNodes, Key: oldKey, Op: store.OpDelete})

			in, err := e.nodeInput(ctx, mv.Node, store.OpCreate)
			if err != nil {
				return nil, err
			}
			out = append(out, in)

			srs, err := e.srsInputs(ctx, mv.Node)
			if err != nil {
				return nil, err
			}
			out = append(out, srs...)
		}

	case events.NodeCopied:
		if ev.Node == nil || !e.syncable(ctx, ev.Node.Module) {
			return nil, nil
		}
		copies, _ := ev.Data["copies"].([]*store.Node)
		for _, n := range copies {
			in, err := e.nodeInput(ctx, n, store.OpCreate)
			if err != nil {
				return nil, err
			}
			out = append(out, in)

			srs, err := e.srsInputs(ctx, n)
			if err != nil {
				return nil, err
			}
			out = append(out, srs...)
		}

	case events.NodeDeleted:
		if ev.Node == nil || !e.syncable(ctx, ev.Node.Module) {
			return nil, nil
		}
		removed, _ := ev.Data["removed"].([]*store.Node)
		for _, n := range removed {
			out = append(out, ChangeInput{
				Collection: protocol.CollectionNodes,
				Key:        protocol.NodeKey(n.Module, vfs.UserPath(n)),
				Op:         store.OpDelete,
			})
		}

	case events.TagUpdated:
		t, ok := ev.Data["tag"].(store.Tag)
		if !ok {
			return nil, nil
		}
		p, err := json.Marshal(TagPayload{Color: t.Color})
		if err != nil {
			return nil, err
		}
		out = append(out, ChangeInput{Collection: protocol.CollectionTags, Key: t.Name, Op: store.OpUpdate, Payload: p})

	case events.TagDeleted:
		t, ok := ev.Data["tag"].(store.Tag)
		if !ok {
			return nil, nil
		}
		out = append(out, ChangeInput{Collection: protocol.CollectionTags, Key: t.Name, Op: store.OpDelete})

	case events.SRSUpdated:
		it, ok := ev.Data["item"].(store.SRSItem)
		if !ok || ev.Node == nil || !e.syncable(ctx, ev.Node.Module) {
			return nil, nil
		}
		in := ChangeInput{
			Collection: protocol.CollectionSRS,
			Key:        protocol.SRSKey(ev.Node.Module, vfs.UserPath(ev.Node), it.ClozeID),
			Op:         store.OpUpdate,
		}
		if deleted, _ := ev.Data["deleted"].(bool); deleted {
			in.Op = store.OpDelete
		} else {
			p, err := srsPayload(&it)
			if err != nil {
				return nil, err
			}
			in.Payload = p
		}
		out = append(out, in)

	case events.ModuleMounted, events.ModuleUnmounted:
		m, ok := ev.Data["module"].(store.Module)
		if !ok || !m.SyncEnabled {
			return nil, nil
		}
		in := ChangeInput{Collection: protocol.CollectionModules, Key: m.Name, Op: store.OpDelete}
		if ev.Type == events.ModuleMounted {
			p, err := json.Marshal(ModulePayload{Description: m.Description, Protected: m.Protected})
			if err != nil {
				return nil, err
			}
			in.Op = store.OpCreate
			in.Payload = p
		}
		out = append(out, in)
	}
	return out, nil
}

func (e *Engine) nodeInput(ctx context.Context, n *store.Node, op store.ChangeOp) (ChangeInput, error) {
	p, err := e.nodePayload(ctx, n)
	if err != nil {
		return ChangeInput{}, err
	}
	return ChangeInput{
		Collection: protocol.CollectionNodes,
		Key:        protocol.NodeKey(n.Module, vfs.UserPath(n)),
		Op:         op,
		Payload:    p,
	}, nil
}

// srsInputs re-tracks the SRS items of a node under its current path.
func (e *Engine) srsInputs(ctx context.Context, n *store.Node) ([]ChangeInput, error) {
	if n.IsDir() {
		return nil, nil
	}
	items, err := e.vfs.GetSRSItemsForNode(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	var out []ChangeInput
	for _, it := range items {
		p, err := srsPayload(it)
		if err != nil {
			return nil, err
		}
		out = append(out, ChangeInput{
			Collection: protocol.CollectionSRS,
			Key:        protocol.SRSKey(n.Module, vfs.UserPath(n), it.ClozeID),
			Op:         store.OpUpdate,
			Payload:    p,
		})
	}
	return out, nil
}

// syncable reports whether module exists and has sync enabled.
func (e *Engine) syncable(ctx context.Context, module string) bool {
	m, err := e.vfs.GetModule(ctx, module)
	return err == nil && m.SyncEnabled
}

func userPathOf(module, canonical string) string {
	p := strings.TrimPrefix(canonical, "/"+module)
	if p == "" {
		return "/"
	}
	return p
}
