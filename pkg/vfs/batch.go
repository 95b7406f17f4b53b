package vfs

import (
	"context"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/middleware"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// CreateRequest is one entry of BatchCreate.
type CreateRequest struct {
	Module  string
	Path    string
	Type    store.NodeType
	Options CreateOptions
}

// WriteRequest is one entry of BatchWrite.
type WriteRequest struct {
	ID      uuid.UUID
	Content []byte
}

// BatchCreate creates every node in one transaction. Either all are created
// or none is.
func (v *VFS) BatchCreate(ctx context.Context, reqs []CreateRequest) ([]*store.Node, error) {
	out := make([]*store.Node, 0, len(reqs))
	err := v.mutate(ctx, "batch_create", func(tx *store.Tx, emit emitFunc) error {
		out = out[:0]
		for _, r := range reqs {
			n, err := v.createTx(ctx, tx, emit, middleware.OpCreate, r.Module, r.Path, r.Type, r.Options)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchWrite replaces the content of several files in one transaction.
func (v *VFS) BatchWrite(ctx context.Context, reqs []WriteRequest) ([]*store.Node, error) {
	out := make([]*store.Node, 0, len(reqs))
	err := v.mutate(ctx, "batch_write", func(tx *store.Tx, emit emitFunc) error {
		out = out[:0]
		for _, r := range reqs {
			n, err := v.writeTx(ctx, tx, emit, r.ID, r.Content)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BatchUnlink removes several nodes in one transaction and returns every
// removed id. Ids already removed as part of an earlier subtree in the
// same batch are skipped.
func (v *VFS) BatchUnlink(ctx context.Context, ids []uuid.UUID, opts UnlinkOptions) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := v.mutate(ctx, "batch_unlink", func(tx *store.Tx, emit emitFunc) error {
		removed = removed[:0]
		gone := make(map[uuid.UUID]bool)
		for _, id := range ids {
			if gone[id] {
				continue
			}
			rm, err := v.unlinkTx(tx, emit, id, opts)
			if err != nil {
				return err
			}
			for _, r := range rm {
				gone[r] = true
			}
			removed = append(removed, rm...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
