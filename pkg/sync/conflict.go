package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/sync/protocol"
)

// Policy picks the winner of a conflict. Returning false leaves the
// conflict for manual resolution.
type Policy func(c *store.Conflict) (store.Resolution, bool)

// LocalWins keeps the local version.
func LocalWins(*store.Conflict) (store.Resolution, bool) {
	return store.ResolutionLocal, true
}

// RemoteWins takes the remote version.
func RemoteWins(*store.Conflict) (store.Resolution, bool) {
	return store.ResolutionRemote, true
}

// LatestWins takes whichever change has the later timestamp; ties keep the
// local version. Timestamps come from each device's wall clock, so skew
// between devices can pick the older edit.
func LatestWins(c *store.Conflict) (store.Resolution, bool) {
	if c.Remote.Timestamp.After(c.Local.Timestamp) {
		return store.ResolutionRemote, true
	}
	return store.ResolutionLocal, true
}

// PolicyFor returns the built-in policy of a strategy. Manual yields nil.
func PolicyFor(s Strategy) (Policy, error) {
	switch s {
	case StrategyLocalWins:
		return LocalWins, nil
	case StrategyRemoteWins:
		return RemoteWins, nil
	case StrategyLatestWins:
		return LatestWins, nil
	case StrategyManual, "":
		return nil, nil
	}
	return nil, store.NewError(store.ErrInvalidOperation, "", "unknown conflict strategy %q", s)
}

// GetConflicts lists unresolved conflicts, oldest first.
func (e *Engine) GetConflicts(ctx context.Context) ([]*store.Conflict, error) {
	var out []*store.Conflict
	err := e.st.View(ctx, func(tx *store.Tx) error {
		all, err := tx.ListConflicts()
		for _, c := range all {
			if !c.Resolved() {
				out = append(out, c)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

// ResolveConflict settles a conflict with the local or the remote version.
// Choosing local re-records the local state as a new change that descends
// from both sides, so the next push overrides the remote copy.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice store.Resolution) error {
	c, err := e.openConflictByID(ctx, id)
	if err != nil {
		return err
	}

	switch choice {
	case store.ResolutionRemote:
		if err := e.apply(ctx, &c.Remote); err != nil {
			return err
		}
		err = e.settle(ctx, c, choice, c.Remote.Op == store.OpDelete)
	case store.ResolutionLocal:
		if err = e.settle(ctx, c, choice, false); err == nil {
			err = e.retrack(ctx, c)
		}
	case store.ResolutionMerged:
		return store.NewError(store.ErrInvalidOperation, c.Key, "merged resolution needs a payload")
	default:
		return store.NewError(store.ErrInvalidOperation, c.Key, "unknown resolution %q", choice)
	}
	if err != nil {
		return err
	}

	e.resolved(ctx, c)
	return nil
}

// ResolveConflictMerged settles a conflict with a caller supplied state of
// the key, encoded like a change payload of its collection.
func (e *Engine) ResolveConflictMerged(ctx context.Context, id string, payload json.RawMessage) error {
	c, err := e.openConflictByID(ctx, id)
	if err != nil {
		return err
	}

	merged := c.Remote
	merged.Op = store.OpUpdate
	merged.Payload = payload
	if payload == nil {
		merged.Op = store.OpDelete
	}
	if err := e.apply(ctx, &merged); err != nil {
		return err
	}
	if err := e.settle(ctx, c, store.ResolutionMerged, merged.Op == store.OpDelete); err != nil {
		return err
	}
	if err := e.retrack(ctx, c); err != nil {
		return err
	}

	e.resolved(ctx, c)
	return nil
}

func (e *Engine) openConflictByID(ctx context.Context, id string) (*store.Conflict, error) {
	var c *store.Conflict
	err := e.st.View(ctx, func(tx *store.Tx) error {
		var err error
		c, err = tx.GetConflict(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.Resolved() {
		return nil, store.NewError(store.ErrInvalidOperation, c.Key, "conflict %s is already resolved", id)
	}
	return c, nil
}

// settle merges the remote clock, drops the local changes of the key that
// were never pushed and marks the conflict resolved. With subtree set the
// key was deleted, and unpushed changes below it are dropped too.
func (e *Engine) settle(ctx context.Context, c *store.Conflict, choice store.Resolution, subtree bool) error {
	prefix, ok := subtreePrefix(c.Collection, c.Key)
	subtree = subtree && ok

	return e.update(ctx, func(tx *store.Tx) error {
		if err := mergeVersions(tx, c.Collection, c.Key, c.Remote.Clock); err != nil {
			return err
		}

		stale, err := tx.ListChanges("", func(ch *store.Change) bool {
			if ch.Synced || ch.DeviceID != e.device {
				return false
			}
			if ch.Collection == c.Collection && ch.Key == c.Key {
				return true
			}
			return subtree && underPrefix(ch.Collection, ch.Key, prefix)
		})
		if err != nil {
			return err
		}
		for _, ch := range stale {
			if err := tx.DeleteChange(ch.ID); err != nil {
				return err
			}
		}

		now := e.vfs.Now()
		c.ResolvedAt = &now
		c.Resolution = choice
		return tx.PutConflict(c)
	})
}

func (e *Engine) retrack(ctx context.Context, c *store.Conflict) error {
	op, payload, err := e.snapshot(ctx, c.Collection, c.Key)
	if err != nil {
		return err
	}
	_, err = e.TrackChange(ctx, ChangeInput{Collection: c.Collection, Key: c.Key, Op: op, Payload: payload})
	return err
}

func (e *Engine) resolved(ctx context.Context, c *store.Conflict) {
	logger.Info("Sync conflict %s on %s %s resolved: %s", c.ID, c.Collection, c.Key, c.Resolution)
	e.publish(ctx, events.SyncResolved, map[string]any{"conflict": *c})
}

// autoResolve applies policy to every unresolved conflict in scope and
// returns how many it settled. Failures are recorded in res.
func (e *Engine) autoResolve(ctx context.Context, policy Policy, m *protocol.Matcher, res *Result) (int, error) {
	open, err := e.GetConflicts(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range open {
		if !m.Match(c.Collection, c.Key) {
			continue
		}
		choice, ok := policy(c)
		if !ok {
			continue
		}
		if err := e.ResolveConflict(ctx, c.ID, choice); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("resolve %s %s: %v", c.Collection, c.Key, err))
			continue
		}
		n++
	}
	return n, nil
}
