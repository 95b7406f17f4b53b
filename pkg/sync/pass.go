package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
	"github.com/mushuanli/itookit-sub011/pkg/vclock"
	"github.com/oklog/ulid/v2"
)

// Sync runs one pass. Bidirectional passes pull before pushing. Conflicts
// are counted in the result, never returned as errors; transport failures
// are.
func (e *Engine) Sync(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Direction == "" {
		cfg.Direction = DirectionBidirectional
	}
	if !cfg.Direction.Valid() {
		return nil, store.NewError(store.ErrInvalidOperation, "", "unknown direction %q", cfg.Direction)
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = StrategyManual
	}
	policy := cfg.Policy
	if policy == nil {
		var err error
		if policy, err = PolicyFor(cfg.ConflictResolution); err != nil {
			return nil, err
		}
	}
	m, err := compileScope(cfg.Scope)
	if err != nil {
		return nil, err
	}

	remote, err := e.begin()
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events.SyncStarted, map[string]any{"direction": cfg.Direction})
	start := time.Now()
	res := &Result{Errors: []string{}}

	err = e.run(ctx, remote, cfg, m, policy, res)
	res.Duration = time.Since(start)
	res.Success = err == nil
	e.finish(res, err)

	e.metrics.RecordPass(string(cfg.Direction), res.Duration, err)
	e.metrics.RecordChanges("push", res.Pushed)
	e.metrics.RecordChanges("pull", res.Pulled)
	e.metrics.RecordConflicts(res.Conflicts)
	if pending, perr := e.GetPendingChanges(ctx, Scope{}); perr == nil {
		e.metrics.SetPending(len(pending))
	}

	if err != nil {
		logger.Warn("Sync pass failed after %v: %v", res.Duration, err)
		e.publish(ctx, events.SyncFailed, map[string]any{"error": err.Error(), "result": *res})
		return res, err
	}
	logger.Info("Sync pass done: pushed=%d pulled=%d conflicts=%d errors=%d in %v",
		res.Pushed, res.Pulled, res.Conflicts, len(res.Errors), res.Duration)
	e.publish(ctx, events.SyncCompleted, map[string]any{"result": *res})
	return res, nil
}

// Push sends pending changes in scope.
func (e *Engine) Push(ctx context.Context, scope Scope) (*Result, error) {
	return e.Sync(ctx, Config{Direction: DirectionPush, Scope: scope, ConflictResolution: StrategyManual})
}

// Pull fetches and applies remote changes in scope.
func (e *Engine) Pull(ctx context.Context, scope Scope) (*Result, error) {
	return e.Sync(ctx, Config{Direction: DirectionPull, Scope: scope, ConflictResolution: StrategyManual})
}

func (e *Engine) begin() (Remote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, store.NewError(store.ErrInvalidOperation, "", "a sync pass is already running")
	}
	if e.remote == nil {
		return nil, ErrNotConnected
	}
	e.running = true
	e.state.Status = StatusSyncing
	return e.remote, nil
}

func (e *Engine) finish(res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.running = false
	e.state.LastSync = time.Now()
	r := *res
	e.state.LastResult = &r
	if err != nil {
		e.state.Status = StatusError
		e.state.LastError = err.Error()
		return
	}
	e.state.Status = StatusIdle
	e.state.LastError = ""
}

func (e *Engine) run(ctx context.Context, remote Remote, cfg Config, m *protocol.Matcher, policy Policy, res *Result) error {
	pull := cfg.Direction == DirectionPull || cfg.Direction == DirectionBidirectional
	push := cfg.Direction == DirectionPush || cfg.Direction == DirectionBidirectional

	if pull {
		if err := e.pull(ctx, remote, cfg, m, res); err != nil {
			return err
		}
	}
	if push {
		if err := e.push(ctx, remote, cfg.Scope, m, res); err != nil {
			return err
		}
	}
	if policy == nil {
		return nil
	}

	resolved, err := e.autoResolve(ctx, policy, m, res)
	if err != nil {
		return err
	}
	if resolved > 0 && push {
		return e.push(ctx, remote, cfg.Scope, m, res)
	}
	return nil
}

// ============================================================================
// Pull
// ============================================================================

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeApplied
	outcomeConflict
	outcomeKnownConflict
)

func (e *Engine) pull(ctx context.Context, remote Remote, cfg Config, m *protocol.Matcher, res *Result) error {
	cursorName := metaCursor + scopeID(cfg.Scope)

	var cursor string
	if cfg.TimeRange == nil {
		if _, err := e.readMeta(ctx, cursorName, &cursor); err != nil {
			return err
		}
	}

	for {
		resp, err := remote.Pull(ctx, &protocol.PullRequest{
			DeviceID:  e.device,
			Scope:     cfg.Scope,
			Cursor:    cursor,
			TimeRange: cfg.TimeRange,
			Limit:     e.batchSize,
		})
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		for i := range resp.Changes {
			ch := &resp.Changes[i]
			if ch.DeviceID == e.device || !m.Match(ch.Collection, ch.Key) || !cfg.TimeRange.Contains(ch.Timestamp) {
				continue
			}
			out, err := e.receive(ctx, ch)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", ch.Collection, ch.Key, err))
				continue
			}
			switch out {
			case outcomeApplied:
				res.Pulled++
			case outcomeConflict:
				res.Conflicts++
			}
		}

		if resp.Cursor != "" {
			cursor = resp.Cursor
			if cfg.TimeRange == nil {
				if err := e.update(ctx, func(tx *store.Tx) error { return tx.PutMeta(cursorName, cursor) }); err != nil {
					return err
				}
			}
		}
		if !resp.More || len(resp.Changes) == 0 {
			return nil
		}
	}
}

// receive checks a remote change against the local version of its key and
// applies it or records a conflict.
func (e *Engine) receive(ctx context.Context, ch *store.Change) (outcome, error) {
	var head vclock.Clock
	if err := e.st.View(ctx, func(tx *store.Tx) error {
		var err error
		head, err = loadClock(tx, headName(ch.Collection, ch.Key))
		return err
	}); err != nil {
		return 0, err
	}

	switch vclock.Check(head, ch.Clock, ch.DeviceID) {
	case vclock.Skip:
		return outcomeSkipped, nil

	case vclock.Conflict:
		same, err := e.converged(ctx, ch)
		if err != nil {
			return 0, err
		}
		if same {
			return outcomeSkipped, e.absorb(ctx, ch)
		}
		return e.conflictWith(ctx, ch, head)
	}

	// A directory or module delete only covers the entries its sender had
	// seen. Anything newer below it keeps the delete from being applied.
	if ch.Op == store.OpDelete {
		unseen, err := e.unseenBelow(ctx, ch)
		if err != nil {
			return 0, err
		}
		if unseen != "" {
			logger.Debug("Sync delete of %s %s holds back: %s changed concurrently", ch.Collection, ch.Key, unseen)
			return e.conflictWith(ctx, ch, head)
		}
	}

	if err := e.apply(ctx, ch); err != nil {
		return 0, err
	}
	err := e.update(ctx, func(tx *store.Tx) error {
		return mergeVersions(tx, ch.Collection, ch.Key, ch.Clock)
	})
	if err != nil {
		return 0, err
	}
	return outcomeApplied, nil
}

func (e *Engine) conflictWith(ctx context.Context, ch *store.Change, head vclock.Clock) (outcome, error) {
	local, err := e.localVersion(ctx, ch.Collection, ch.Key, head)
	if err != nil {
		return 0, err
	}
	isNew, err := e.recordConflict(ctx, local, ch)
	if err != nil {
		return 0, err
	}
	if isNew {
		return outcomeConflict, nil
	}
	return outcomeKnownConflict, nil
}

// subtreePrefix returns the prefix shared by the nodes and srs keys that a
// delete of key removes along with it.
func subtreePrefix(collection, key string) (string, bool) {
	switch collection {
	case protocol.CollectionNodes:
		return strings.TrimSuffix(key, "/") + "/", true
	case protocol.CollectionModules:
		return key + ":/", true
	}
	return "", false
}

// underPrefix reports whether a nodes or srs key lies below prefix.
func underPrefix(collection, key, prefix string) bool {
	if collection != protocol.CollectionNodes && collection != protocol.CollectionSRS {
		return false
	}
	return strings.HasPrefix(key, prefix)
}

// unseenBelow returns the first key below a deleted directory or module
// that still exists locally and carries a version the delete's clock does
// not cover. It returns "" when the delete may be applied as a whole.
func (e *Engine) unseenBelow(ctx context.Context, ch *store.Change) (string, error) {
	prefix, ok := subtreePrefix(ch.Collection, ch.Key)
	if !ok {
		return "", nil
	}

	type candidate struct{ collection, key string }
	var found []candidate
	err := e.st.View(ctx, func(tx *store.Tx) error {
		for _, coll := range []string{protocol.CollectionNodes, protocol.CollectionSRS} {
			heads, err := tx.ListMeta(headName(coll, prefix))
			if err != nil {
				return err
			}
			for rest, raw := range heads {
				var head vclock.Clock
				if err := json.Unmarshal(raw, &head); err != nil {
					return fmt.Errorf("decode head of %s %s: %w", coll, prefix+rest, err)
				}
				if !ch.Clock.Dominates(head) {
					found = append(found, candidate{coll, prefix + rest})
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].key < found[j].key })
	for _, c := range found {
		op, _, err := e.snapshot(ctx, c.collection, c.key)
		if err != nil {
			return "", err
		}
		if op != store.OpDelete {
			return c.key, nil
		}
	}
	return "", nil
}

// mergeVersions folds clock into the key's head and the device clock.
func mergeVersions(tx *store.Tx, collection, key string, clock vclock.Clock) error {
	name := headName(collection, key)
	head, err := loadClock(tx, name)
	if err != nil {
		return err
	}
	head.Merge(clock)
	if err := tx.PutMeta(name, head); err != nil {
		return err
	}

	device, err := loadClock(tx, metaClock)
	if err != nil {
		return err
	}
	device.Merge(clock)
	return tx.PutMeta(metaClock, device)
}

// converged reports whether a concurrent remote change leaves the key in
// the state it already has locally, e.g. two devices mounting the same
// module.
func (e *Engine) converged(ctx context.Context, ch *store.Change) (bool, error) {
	op, payload, err := e.snapshot(ctx, ch.Collection, ch.Key)
	if err != nil {
		return false, err
	}
	if (op == store.OpDelete) != (ch.Op == store.OpDelete) {
		return false, nil
	}
	if op == store.OpDelete {
		return true, nil
	}
	return sameJSON(payload, ch.Payload), nil
}

// absorb merges the clock of a change whose state is already applied and
// marks the local changes of the key as delivered.
func (e *Engine) absorb(ctx context.Context, ch *store.Change) error {
	return e.update(ctx, func(tx *store.Tx) error {
		if err := mergeVersions(tx, ch.Collection, ch.Key, ch.Clock); err != nil {
			return err
		}
		pending, err := tx.ListChanges("", func(c *store.Change) bool {
			return !c.Synced && c.DeviceID == e.device && c.Collection == ch.Collection && c.Key == ch.Key
		})
		if err != nil {
			return err
		}
		for _, c := range pending {
			c.Synced = true
			if err := tx.PutChange(c); err != nil {
				return err
			}
		}
		return nil
	})
}

func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// localVersion returns the newest local change of a key, or a change built
// from the current local state when the key was last written by a remote.
func (e *Engine) localVersion(ctx context.Context, collection, key string, head vclock.Clock) (*store.Change, error) {
	var latest *store.Change
	err := e.st.View(ctx, func(tx *store.Tx) error {
		changes, err := tx.ListChanges("", func(c *store.Change) bool {
			return c.Collection == collection && c.Key == key && c.DeviceID == e.device
		})
		if len(changes) > 0 {
			latest = changes[len(changes)-1]
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Clock.Dominates(head) {
		return latest, nil
	}

	op, payload, err := e.snapshot(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return &store.Change{
		ID:         ulid.Make().String(),
		Collection: collection,
		Key:        key,
		Op:         op,
		Timestamp:  e.vfs.Now(),
		Payload:    payload,
		Clock:      head.Copy(),
		DeviceID:   e.device,
		Synced:     true,
	}, nil
}

// recordConflict stores a conflict for the key, or refreshes the remote side
// of the unresolved one. isNew is false in the latter case.
func (e *Engine) recordConflict(ctx context.Context, local, remote *store.Change) (isNew bool, err error) {
	var rec *store.Conflict
	err = e.update(ctx, func(tx *store.Tx) error {
		isNew = false
		existing, err := openConflict(tx, local.Collection, local.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Remote = *remote
			rec = existing
			return tx.PutConflict(existing)
		}

		isNew = true
		rec = &store.Conflict{
			ID:         ulid.Make().String(),
			Collection: local.Collection,
			Key:        local.Key,
			Local:      *local,
			Remote:     *remote,
			DetectedAt: e.vfs.Now(),
		}
		return tx.PutConflict(rec)
	})
	if err != nil {
		return false, err
	}

	if isNew {
		logger.Info("Sync conflict on %s %s: local %s remote %s",
			rec.Collection, rec.Key, rec.Local.Clock, rec.Remote.Clock)
		e.publish(ctx, events.SyncConflict, map[string]any{"conflict": *rec})
	}
	return isNew, nil
}

func openConflict(tx *store.Tx, collection, key string) (*store.Conflict, error) {
	all, err := tx.ListConflicts()
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if !c.Resolved() && c.Collection == collection && c.Key == key {
			return c, nil
		}
	}
	return nil, nil
}

// ============================================================================
// Push
// ============================================================================

func (e *Engine) push(ctx context.Context, remote Remote, scope Scope, m *protocol.Matcher, res *Result) error {
	pending, err := e.GetPendingChanges(ctx, scope)
	if err != nil {
		return err
	}

	held, err := e.heldKeys(ctx)
	if err != nil {
		return err
	}
	ready := pending[:0]
	for _, c := range pending {
		if !held.has(c) {
			ready = append(ready, c)
		}
	}

	for len(ready) > 0 {
		n := min(len(ready), e.batchSize)
		batch := ready[:n]
		ready = ready[n:]

		req := &protocol.PushRequest{DeviceID: e.device, Scope: scope, Changes: make([]store.Change, len(batch))}
		byID := make(map[string]*store.Change, len(batch))
		for i, c := range batch {
			req.Changes[i] = *c
			byID[c.ID] = c
		}

		resp, err := remote.Push(ctx, req)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}

		err = e.update(ctx, func(tx *store.Tx) error {
			for _, id := range resp.Accepted {
				c, ok := byID[id]
				if !ok {
					continue
				}
				c.Synced = true
				if err := tx.PutChange(c); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		res.Pushed += len(resp.Accepted)

		for _, rc := range resp.Conflicts {
			local, ok := byID[rc.ChangeID]
			if !ok {
				continue
			}
			head := rc.Head
			same, err := e.converged(ctx, &head)
			if err == nil && same {
				err = e.absorb(ctx, &head)
			}
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", local.Collection, local.Key, err))
				continue
			}
			if same {
				continue
			}
			isNew, err := e.recordConflict(ctx, local, &head)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", local.Collection, local.Key, err))
				continue
			}
			if isNew {
				res.Conflicts++
			}
		}
	}
	return nil
}

// holds are the keys with an unresolved conflict; their changes are not
// pushed until it is resolved. A conflicting directory or module delete also
// holds every key below it.
type holds struct {
	keys     map[string]bool
	prefixes []string
}

func (h holds) has(c *store.Change) bool {
	if h.keys[c.Collection+"\x00"+c.Key] {
		return true
	}
	for _, p := range h.prefixes {
		if underPrefix(c.Collection, c.Key, p) {
			return true
		}
	}
	return false
}

func (e *Engine) heldKeys(ctx context.Context) (holds, error) {
	h := holds{keys: make(map[string]bool)}
	err := e.st.View(ctx, func(tx *store.Tx) error {
		all, err := tx.ListConflicts()
		for _, c := range all {
			if c.Resolved() {
				continue
			}
			h.keys[c.Collection+"\x00"+c.Key] = true
			if c.Remote.Op == store.OpDelete {
				if p, ok := subtreePrefix(c.Collection, c.Key); ok {
					h.prefixes = append(h.prefixes, p)
				}
			}
		}
		return err
	})
	return h, err
}

func (e *Engine) readMeta(ctx context.Context, name string, v any) (bool, error) {
	var found bool
	err := e.st.View(ctx, func(tx *store.Tx) error {
		var err error
		found, err = tx.GetMeta(name, v)
		return err
	})
	return found, err
}

// scopeID names the pull cursor of a scope. Different scopes keep separate
// cursors so a narrow pull never skips changes for a wider one.
func scopeID(s Scope) string {
	data, err := json.Marshal(s)
	if err != nil || string(data) == "{}" {
		return "all"
	}
	return string(data)
}
