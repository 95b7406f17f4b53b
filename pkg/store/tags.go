package store

import (
	"time"

	"github.com/google/uuid"
)

// GetTag loads a tag record.
func (tx *Tx) GetTag(name string) (*Tag, error) {
	var t Tag
	found, err := tx.getJSON(keyTag(name), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(name, "tag")
	}
	return &t, nil
}

// PutTag stores a tag record.
func (tx *Tx) PutTag(t *Tag) error {
	return tx.putJSON(keyTag(t.Name), t)
}

// DeleteTagRecord removes a tag record (not its node index entries).
func (tx *Tx) DeleteTagRecord(name string) error {
	return tx.del(keyTag(name))
}

// ListTags returns every tag ordered by name.
func (tx *Tx) ListTags() ([]*Tag, error) {
	var out []*Tag
	err := scanJSON(tx, prefixTag, func(t *Tag) error {
		out = append(out, t)
		return nil
	})
	return out, err
}

// NodeIDsByTag lists the ids of nodes carrying tag.
func (tx *Tx) NodeIDsByTag(tag string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := tx.scan(string(keyTagIndexPrefix(tag)), func(key, _ []byte) error {
		if id, ok := parseTagIndexKey(key); ok {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// AdjustTagRef changes a tag's reference count by delta, creating the record
// on first use.
//
// A tag whose count drops to zero is pruned unless it is protected or has a
// color. The returned tag is nil when the record was pruned.
func (tx *Tx) AdjustTagRef(name string, delta int, now time.Time) (*Tag, error) {
	t, err := tx.GetTag(name)
	if IsNotFound(err) {
		t = &Tag{Name: name, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	t.RefCount += delta
	if t.RefCount < 0 {
		t.RefCount = 0
	}

	if t.RefCount == 0 && !t.Protected && t.Color == "" {
		if err := tx.DeleteTagRecord(name); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := tx.PutTag(t); err != nil {
		return nil, err
	}
	return t, nil
}
