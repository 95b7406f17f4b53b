package vfs

import (
	"bytes"
	"context"
	"sort"

	"github.com/gobwas/glob"
	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// SearchQuery selects nodes. Empty fields match everything; all set fields
// must match.
type SearchQuery struct {
	// Module limits the search to one module. The system module is only
	// searched when named explicitly.
	Module string

	// NameGlob is matched against the node name, e.g. "*.md".
	NameGlob string

	// Text is a case-sensitive substring of file content.
	Text string

	// Tags must all be present on the node.
	Tags []string

	Type store.NodeType

	// Limit caps the result count when positive.
	Limit int
}

// Search returns matching nodes ordered by path. Module roots are never
// returned.
func (v *VFS) Search(ctx context.Context, q SearchQuery) ([]*store.Node, error) {
	var name glob.Glob
	if q.NameGlob != "" {
		g, err := glob.Compile(q.NameGlob)
		if err != nil {
			return nil, store.NewError(store.ErrInvalidOperation, q.NameGlob, "bad name pattern: %v", err)
		}
		name = g
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, store.NewError(store.ErrInvalidOperation, "", "invalid node type %q", q.Type)
	}
	text := []byte(q.Text)

	prefix := "/"
	if q.Module != "" {
		prefix = CanonicalPath(q.Module, "/") + "/"
	}

	var out []*store.Node
	err := v.view(ctx, "search", func(tx *store.Tx) error {
		nodes, err := tx.NodesUnder(prefix)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.IsRoot() || (q.Module == "" && n.Module == SystemModule) {
				continue
			}
			if q.Type != "" && n.Type != q.Type {
				continue
			}
			if name != nil && !name.Match(n.Name) {
				continue
			}
			if !hasAllTags(n, q.Tags) {
				continue
			}
			if len(text) > 0 {
				if n.IsDir() {
					continue
				}
				rec, err := tx.GetContent(n.ContentRef)
				if err != nil {
					return err
				}
				if !bytes.Contains(rec.Data, text) {
					continue
				}
			}

			out = append(out, n)
			if q.Limit > 0 && len(out) >= q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasAllTags(n *store.Node, tags []string) bool {
	for _, t := range tags {
		if !n.HasTag(t) {
			return false
		}
	}
	return true
}

func sortByPath(nodes []*store.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })
}
