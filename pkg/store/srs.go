package store

import (
	"github.com/google/uuid"
)

// GetSRS loads the SRS item of one cloze.
func (tx *Tx) GetSRS(nodeID uuid.UUID, clozeID string) (*SRSItem, error) {
	var it SRSItem
	found, err := tx.getJSON(keySRS(nodeID, clozeID), &it)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNotFoundError(nodeID.String()+"#"+clozeID, "srs item")
	}
	return &it, nil
}

// PutSRS stores an SRS item.
func (tx *Tx) PutSRS(it *SRSItem) error {
	return tx.putJSON(keySRS(it.NodeID, it.ClozeID), it)
}

// DeleteSRS removes one SRS item.
func (tx *Tx) DeleteSRS(nodeID uuid.UUID, clozeID string) error {
	return tx.del(keySRS(nodeID, clozeID))
}

// SRSForNode lists a node's SRS items ordered by cloze id.
func (tx *Tx) SRSForNode(nodeID uuid.UUID) ([]*SRSItem, error) {
	var out []*SRSItem
	err := scanJSON(tx, string(keySRSPrefix(nodeID)), func(it *SRSItem) error {
		out = append(out, it)
		return nil
	})
	return out, err
}

// DeleteSRSForNode removes all SRS items of a node and returns how many.
func (tx *Tx) DeleteSRSForNode(nodeID uuid.UUID) (int, error) {
	items, err := tx.SRSForNode(nodeID)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if err := tx.DeleteSRS(it.NodeID, it.ClozeID); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// ScanSRS calls fn for every SRS item.
func (tx *Tx) ScanSRS(fn func(it *SRSItem) error) error {
	return scanJSON(tx, prefixSRS, fn)
}
