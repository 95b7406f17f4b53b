package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mushuanli/itookit-sub011/pkg/vclock"
)

// NodeType distinguishes files from directories.
type NodeType string

const (
	NodeTypeFile      NodeType = "file"
	NodeTypeDirectory NodeType = "directory"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == NodeTypeFile || t == NodeTypeDirectory
}

// Node is an inode: one file or directory inside a module.
//
// Path is the canonical path "/<module><userPath>"; a module root has the
// path "/<module>" and a nil ParentID.
type Node struct {
	ID         uuid.UUID      `json:"id"`
	ParentID   uuid.UUID      `json:"parent_id"`
	Name       string         `json:"name"`
	Type       NodeType       `json:"type"`
	Path       string         `json:"path"`
	Module     string         `json:"module"`
	ContentRef string         `json:"content_ref,omitempty"`
	Size       int64          `json:"size"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool {
	return n.Type == NodeTypeDirectory
}

// IsRoot reports whether n is a module root.
func (n *Node) IsRoot() bool {
	return n.ParentID == uuid.Nil
}

// HasTag reports whether n carries tag.
func (n *Node) HasTag(tag string) bool {
	i := sort.SearchStrings(n.Tags, tag)
	return i < len(n.Tags) && n.Tags[i] == tag
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	cp := *n
	if n.Metadata != nil {
		cp.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	if n.Tags != nil {
		cp.Tags = append([]string(nil), n.Tags...)
	}
	return &cp
}

// NormalizeTags returns tags sorted and without duplicates or empty names.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ContentRef returns the deterministic content reference for a file node.
func ContentRef(id uuid.UUID) string {
	return "content:" + id.String()
}

// ContentRecord is the body of a file node. It is replaced wholesale on write.
type ContentRecord struct {
	Ref       string    `json:"ref"`
	NodeID    uuid.UUID `json:"node_id"`
	Data      []byte    `json:"data"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a named label. RefCount counts the nodes carrying it.
type Tag struct {
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	RefCount  int       `json:"ref_count"`
	Protected bool      `json:"protected,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SRSItem is the spaced-repetition state of one cloze inside a file node.
type SRSItem struct {
	NodeID       uuid.UUID  `json:"node_id"`
	ClozeID      string     `json:"cloze_id"`
	Module       string     `json:"module"`
	Due          time.Time  `json:"due"`
	Interval     float64    `json:"interval"`
	Ease         float64    `json:"ease"`
	ReviewCount  int        `json:"review_count"`
	LastReviewed *time.Time `json:"last_reviewed,omitempty"`
}

// Module is a named top-level namespace with its own root directory.
type Module struct {
	Name        string    `json:"name"`
	RootID      uuid.UUID `json:"root_id"`
	Description string    `json:"description,omitempty"`
	Protected   bool      `json:"protected,omitempty"`
	SyncEnabled bool      `json:"sync_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChangeOp is the kind of a tracked mutation.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change is an entry of the sync change log.
//
// IDs are ULIDs, so the log is ordered by creation time.
type Change struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Op         ChangeOp        `json:"op"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Clock      vclock.Clock    `json:"clock"`
	DeviceID   string          `json:"device_id"`
	Synced     bool            `json:"synced"`
}

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerged Resolution = "merged"
)

// Conflict pairs a local and a remote change to the same key that were made
// concurrently.
type Conflict struct {
	ID         string     `json:"id"`
	Collection string     `json:"collection"`
	Key        string     `json:"key"`
	Local      Change     `json:"local"`
	Remote     Change     `json:"remote"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has been settled.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}
