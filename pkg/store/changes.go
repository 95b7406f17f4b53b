package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mushuanli/itookit-sub011/pkg/store/kv"
)

// PutChange appends (or rewrites) a change log entry.
func (tx *Tx) PutChange(c *Change) error {
	return tx.putJSON(keyChange(c.ID), c)
}

// GetChange loads a change log entry.
func (tx *Tx) GetChange(id string) (*Change, error) {
	var c Change
	found, err := tx.getJSON(keyChange(id), &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(id, "change")
	}
	return &c, nil
}

// DeleteChange removes a change log entry.
func (tx *Tx) DeleteChange(id string) error {
	return tx.del(keyChange(id))
}

// ListChanges returns log entries with an id greater than after (all when
// after is empty) in log order, filtered by keep when non-nil.
func (tx *Tx) ListChanges(after string, keep func(c *Change) bool) ([]*Change, error) {
	var out []*Change
	err := tx.ScanChanges(after, func(c *Change) (bool, error) {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
		return true, nil
	})
	return out, err
}

// ScanChanges calls fn for log entries with an id greater than after, in log
// order, until fn returns false. The scan starts at after rather than at
// the head of the log.
func (tx *Tx) ScanChanges(after string, fn func(c *Change) (more bool, err error)) error {
	start := []byte(prefixChange)
	if after != "" {
		start = keyChange(after)
	}
	err := tx.txn.IterateFrom([]byte(prefixChange), start, func(key, value []byte) error {
		var c Change
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		if after != "" && c.ID <= after {
			return nil
		}
		more, err := fn(&c)
		if err != nil {
			return err
		}
		if !more {
			return kv.ErrStop
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefixChange, err)
	}
	return nil
}

// PutConflict stores a conflict record.
func (tx *Tx) PutConflict(c *Conflict) error {
	return tx.putJSON(keyConflict(c.ID), c)
}

// GetConflict loads a conflict record.
func (tx *Tx) GetConflict(id string) (*Conflict, error) {
	var c Conflict
	found, err := tx.getJSON(keyConflict(id), &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(id, "conflict")
	}
	return &c, nil
}

// ListConflicts returns every conflict ordered by id.
func (tx *Tx) ListConflicts() ([]*Conflict, error) {
	var out []*Conflict
	err := scanJSON(tx, prefixConflict, func(c *Conflict) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// GetMeta loads a metadata value into v. found is false when unset.
func (tx *Tx) GetMeta(name string, v any) (bool, error) {
	return tx.getJSON(keyMeta(name), v)
}

// PutMeta stores a metadata value.
func (tx *Tx) PutMeta(name string, v any) error {
	return tx.putJSON(keyMeta(name), v)
}

// DeleteMeta removes a metadata value.
func (tx *Tx) DeleteMeta(name string) error {
	return tx.del(keyMeta(name))
}

// ListMeta returns raw metadata values whose name starts with prefix, keyed by
// the remainder of the name.
func (tx *Tx) ListMeta(prefix string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	full := prefixMeta + prefix
	err := tx.scan(full, func(key, value []byte) error {
		out[strings.TrimPrefix(string(key), full)] = json.RawMessage(value)
		return nil
	})
	return out, err
}
