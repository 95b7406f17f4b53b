package store

import (
	"errors"
	"strings"
)

// GetContent loads a content record.
func (tx *Tx) GetContent(ref string) (*ContentRecord, error) {
	var rec ContentRecord
	found, err := tx.getJSON(keyContent(ref), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(ref, "content")
	}
	return &rec, nil
}

// PutContent stores (or replaces) a content record.
func (tx *Tx) PutContent(rec *ContentRecord) error {
	if rec.Ref == "" {
		return errors.New("content record without ref")
	}
	rec.Size = int64(len(rec.Data))
	return tx.putJSON(keyContent(rec.Ref), rec)
}

// DeleteContent removes a content record. Missing records are ignored.
func (tx *Tx) DeleteContent(ref string) error {
	if ref == "" {
		return nil
	}
	return tx.del(keyContent(ref))
}

// ContentRefs lists every stored content reference.
func (tx *Tx) ContentRefs() ([]string, error) {
	var refs []string
	err := tx.scan(prefixContent, func(key, _ []byte) error {
		refs = append(refs, strings.TrimPrefix(string(key), prefixContent))
		return nil
	})
	return refs, err
}
