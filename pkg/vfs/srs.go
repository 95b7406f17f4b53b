package vfs

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/events"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

const (
	// DefaultEase is the starting ease factor of a new SRS item.
	DefaultEase = 2.5

	// MinEase is the SM-2 lower bound for the ease factor.
	MinEase = 1.3
)

// SRSPatch is a partial update of an SRS item. Nil fields are left unchanged.
type SRSPatch struct {
	Due      *time.Time
	Interval *float64
	Ease     *float64
}

// UpdateSRSItem upserts the SRS item (nodeID, clozeID), applies patch,
// increments the review count and stamps the review time.
func (v *VFS) UpdateSRSItem(ctx context.Context, nodeID uuid.UUID, clozeID string, patch SRSPatch) (*store.SRSItem, error) {
	return v.reviewWith(ctx, "update_srs", nodeID, clozeID, func(it *store.SRSItem, now time.Time) error {
		if patch.Due != nil {
			it.Due = *patch.Due
		}
		if patch.Interval != nil {
			it.Interval = *patch.Interval
		}
		if patch.Ease != nil {
			it.Ease = *patch.Ease
		}
		return nil
	})
}

// ReviewSRSItem records an answer graded 0 (blackout) to 5 (perfect) and
// schedules the next review with the SM-2 algorithm.
func (v *VFS) ReviewSRSItem(ctx context.Context, nodeID uuid.UUID, clozeID string, grade int) (*store.SRSItem, error) {
	if grade < 0 || grade > 5 {
		return nil, store.NewError(store.ErrInvalidOperation, clozeID, "grade %d out of range 0-5", grade)
	}
	return v.reviewWith(ctx, "review_srs", nodeID, clozeID, func(it *store.SRSItem, now time.Time) error {
		scheduleSM2(it, grade, now)
		return nil
	})
}

func scheduleSM2(it *store.SRSItem, grade int, now time.Time) {
	q := float64(5 - grade)
	it.Ease += 0.1 - q*(0.08+q*0.02)
	if it.Ease < MinEase {
		it.Ease = MinEase
	}

	switch {
	case grade < 3:
		it.Interval = 1
	case it.Interval < 1:
		it.Interval = 1
	case it.Interval < 6:
		it.Interval = 6
	default:
		it.Interval = math.Round(it.Interval * it.Ease)
	}
	it.Due = now.Add(time.Duration(it.Interval * float64(24*time.Hour)))
}

func (v *VFS) reviewWith(ctx context.Context, op string, nodeID uuid.UUID, clozeID string, apply func(it *store.SRSItem, now time.Time) error) (*store.SRSItem, error) {
	if clozeID == "" {
		return nil, store.NewError(store.ErrInvalidOperation, "", "cloze id is required")
	}

	var item *store.SRSItem
	err := v.mutate(ctx, op, func(tx *store.Tx, emit emitFunc) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		if err := ensureWritable(node); err != nil {
			return err
		}

		now := v.now()
		it, err := tx.GetSRS(nodeID, clozeID)
		if store.IsNotFound(err) {
			it = &store.SRSItem{
				NodeID:  nodeID,
				ClozeID: clozeID,
				Module:  node.Module,
				Due:     now,
				Ease:    DefaultEase,
			}
		} else if err != nil {
			return err
		}

		if err := apply(it, now); err != nil {
			return err
		}
		it.ReviewCount++
		reviewed := now
		it.LastReviewed = &reviewed

		if err := tx.PutSRS(it); err != nil {
			return err
		}
		item = it
		emit(events.Event{Type: events.SRSUpdated, Node: node, Data: map[string]any{"item": *it}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// PutSRSItem stores an SRS item exactly as given (used to apply remote
// changes and restore backups). The owning node must exist.
func (v *VFS) PutSRSItem(ctx context.Context, item store.SRSItem) (*store.SRSItem, error) {
	err := v.mutate(ctx, "put_srs", func(tx *store.Tx, emit emitFunc) error {
		node, err := tx.GetNode(item.NodeID)
		if err != nil {
			return err
		}
		if err := ensureWritable(node); err != nil {
			return err
		}
		item.Module = node.Module
		if err := tx.PutSRS(&item); err != nil {
			return err
		}
		emit(events.Event{Type: events.SRSUpdated, Node: node, Data: map[string]any{"item": item}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteSRSItem removes one SRS item.
func (v *VFS) DeleteSRSItem(ctx context.Context, nodeID uuid.UUID, clozeID string) error {
	return v.mutate(ctx, "delete_srs", func(tx *store.Tx, emit emitFunc) error {
		node, err := tx.GetNode(nodeID)
		if err != nil {
			return err
		}
		it, err := tx.GetSRS(nodeID, clozeID)
		if err != nil {
			return err
		}
		if err := tx.DeleteSRS(nodeID, clozeID); err != nil {
			return err
		}
		emit(events.Event{Type: events.SRSUpdated, Node: node, Data: map[string]any{"item": *it, "deleted": true}})
		return nil
	})
}

// GetSRSItemsForNode lists a node's SRS items ordered by cloze id.
func (v *VFS) GetSRSItemsForNode(ctx context.Context, nodeID uuid.UUID) ([]*store.SRSItem, error) {
	var items []*store.SRSItem
	err := v.view(ctx, "get_srs", func(tx *store.Tx) error {
		if _, err := tx.GetNode(nodeID); err != nil {
			return err
		}
		var err error
		items, err = tx.SRSForNode(nodeID)
		return err
	})
	return items, err
}

// GetDueSRSItems returns items due now or earlier, ordered by due time.
// module "" means every module; limit <= 0 means no limit.
func (v *VFS) GetDueSRSItems(ctx context.Context, module string, limit int) ([]*store.SRSItem, error) {
	now := v.now()

	var due []*store.SRSItem
	err := v.view(ctx, "due_srs", func(tx *store.Tx) error {
		return tx.ScanSRS(func(it *store.SRSItem) error {
			if module != "" && it.Module != module {
				return nil
			}
			if !it.Due.After(now) {
				due = append(due, it)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].Due.Equal(due[j].Due) {
			return due[i].Due.Before(due[j].Due)
		}
		return due[i].ClozeID < due[j].ClozeID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
