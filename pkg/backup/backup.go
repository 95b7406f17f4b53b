// Package backup exports the whole VFS to a portable document and restores
// it.
//
// A Document holds one entry per module: the module settings and its tree.
// Tree entries nest recursively as {name, type, content | children,
// contentEncoding?, metadata, tags, srs}. Text content is stored as is;
// content that is not valid UTF-8 is base64 encoded and marked with
// contentEncoding "base64".
package backup

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

// Version is the document format written by Export.
const Version = 1

// EncodingBase64 marks base64 encoded entry content.
const EncodingBase64 = "base64"

// Document is a full backup.
type Document struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Modules    []ModuleExport `json:"modules"`

	// Tags carries tag records whose color is not implied by the tree.
	Tags []TagExport `json:"tags,omitempty"`
}

// ModuleExport is one module and its tree. Tree is the module root.
type ModuleExport struct {
	Module ModuleInfo `json:"module"`
	Tree   *Entry     `json:"tree"`
}

// ModuleInfo is the module metadata kept in a backup.
type ModuleInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Protected   bool      `json:"protected,omitempty"`
	SyncEnabled bool      `json:"syncEnabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Entry is a file or directory.
type Entry struct {
	Name            string         `json:"name"`
	Type            store.NodeType `json:"type"`
	Content         string         `json:"content,omitempty"`
	ContentEncoding string         `json:"contentEncoding,omitempty"`
	Children        []*Entry       `json:"children,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	SRS             []SRSEntry     `json:"srs,omitempty"`
}

// SRSEntry is a review item of a file entry.
type SRSEntry struct {
	ClozeID      string     `json:"clozeId"`
	Due          time.Time  `json:"due"`
	Interval     float64    `json:"interval"`
	Ease         float64    `json:"ease"`
	ReviewCount  int        `json:"reviewCount"`
	LastReviewed *time.Time `json:"lastReviewed,omitempty"`
}

// TagExport is a tag color.
type TagExport struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ExportOptions selects what Export writes.
type ExportOptions struct {
	// Modules limits the export. Empty means every user module.
	Modules []string
}

// Export builds a Document from v. Each module is read in its own
// snapshot; concurrent writers may land between modules.
func Export(ctx context.Context, v *vfs.VFS, opts ExportOptions) (*Document, error) {
	mods, err := selectModules(ctx, v, opts.Modules)
	if err != nil {
		return nil, err
	}

	doc := &Document{Version: Version, ExportedAt: v.Now().UTC()}
	for _, m := range mods {
		tree, err := exportTree(ctx, v, m.RootID)
		if err != nil {
			return nil, fmt.Errorf("export module %s: %w", m.Name, err)
		}
		doc.Modules = append(doc.Modules, ModuleExport{
			Module: ModuleInfo{
				Name:        m.Name,
				Description: m.Description,
				Protected:   m.Protected,
				SyncEnabled: m.SyncEnabled,
				CreatedAt:   m.CreatedAt,
			},
			Tree: tree,
		})
	}

	tags, err := v.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		if t.Color != "" {
			doc.Tags = append(doc.Tags, TagExport{Name: t.Name, Color: t.Color})
		}
	}

	logger.Info("Exported %d module(s)", len(doc.Modules))
	return doc, nil
}

func selectModules(ctx context.Context, v *vfs.VFS, names []string) ([]*store.Module, error) {
	if len(names) == 0 {
		return v.ListModules(ctx), nil
	}
	mods := make([]*store.Module, 0, len(names))
	for _, name := range names {
		m, err := v.GetModule(ctx, name)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// exportTree walks the subtree under root with an explicit worklist.
func exportTree(ctx context.Context, v *vfs.VFS, root uuid.UUID) (*Entry, error) {
	type item struct {
		id    uuid.UUID
		entry *Entry
	}

	node, err := v.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	top, err := exportEntry(ctx, v, node)
	if err != nil {
		return nil, err
	}

	work := []item{{root, top}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		if it.entry.Type != store.NodeTypeDirectory {
			continue
		}

		children, err := v.Readdir(ctx, it.id)
		if err != nil {
			return nil, err
		}
		sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
		for _, child := range children {
			e, err := exportEntry(ctx, v, child)
			if err != nil {
				return nil, err
			}
			it.entry.Children = append(it.entry.Children, e)
			work = append(work, item{child.ID, e})
		}
	}
	return top, nil
}

func exportEntry(ctx context.Context, v *vfs.VFS, n *store.Node) (*Entry, error) {
	e := &Entry{
		Name:     n.Name,
		Type:     n.Type,
		Metadata: n.Metadata,
		Tags:     n.Tags,
	}
	if n.Type != store.NodeTypeFile {
		return e, nil
	}

	data, err := v.Read(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	e.Content, e.ContentEncoding = encodeContent(data)

	items, err := v.GetSRSItemsForNode(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		e.SRS = append(e.SRS, SRSEntry{
			ClozeID:      it.ClozeID,
			Due:          it.Due,
			Interval:     it.Interval,
			Ease:         it.Ease,
			ReviewCount:  it.ReviewCount,
			LastReviewed: it.LastReviewed,
		})
	}
	return e, nil
}

func encodeContent(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), ""
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

func decodeContent(e *Entry) ([]byte, error) {
	switch e.ContentEncoding {
	case "":
		return []byte(e.Content), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(e.Content)
	}
	return nil, fmt.Errorf("unknown content encoding %q", e.ContentEncoding)
}

// ImportOptions controls Import.
type ImportOptions struct {
	// Overwrite replaces modules that already exist. Without it an existing
	// module fails the import with ALREADY_EXISTS.
	Overwrite bool
}

// ImportResult counts what Import restored.
type ImportResult struct {
	Modules int
	Nodes   int
	SRS     int
}

// Import restores doc into v. Modules are restored one after another; an
// error stops the import and leaves earlier modules in place.
func Import(ctx context.Context, v *vfs.VFS, doc *Document, opts ImportOptions) (*ImportResult, error) {
	if doc == nil {
		return nil, store.NewError(store.ErrInvalidOperation, "", "empty backup document")
	}
	if doc.Version < 1 || doc.Version > Version {
		return nil, store.NewError(store.ErrInvalidOperation, "",
			"unsupported backup version %d", doc.Version)
	}

	res := &ImportResult{}
	for _, m := range doc.Modules {
		if err := importModule(ctx, v, m, opts, res); err != nil {
			return res, fmt.Errorf("import module %s: %w", m.Module.Name, err)
		}
		res.Modules++
	}

	for _, t := range doc.Tags {
		if _, err := v.SetTagColor(ctx, t.Name, t.Color); err != nil {
			return res, fmt.Errorf("import tag %s: %w", t.Name, err)
		}
	}

	logger.Info("Imported %d module(s), %d node(s)", res.Modules, res.Nodes)
	return res, nil
}

func importModule(ctx context.Context, v *vfs.VFS, m ModuleExport, opts ImportOptions, res *ImportResult) error {
	if m.Tree == nil || m.Tree.Type != store.NodeTypeDirectory {
		return store.NewError(store.ErrInvalidOperation, m.Module.Name, "module tree must be a directory")
	}

	_, err := v.GetModule(ctx, m.Module.Name)
	switch {
	case err == nil && !opts.Overwrite:
		return store.NewError(store.ErrAlreadyExists, m.Module.Name, "module already exists")
	case err == nil:
		if _, err := v.Unmount(ctx, m.Module.Name); err != nil {
			return err
		}
	case !store.IsNotFound(err):
		return err
	}

	mod, err := v.Mount(ctx, m.Module.Name, vfs.MountOptions{
		Description: m.Module.Description,
		Protected:   m.Module.Protected,
		SyncEnabled: m.Module.SyncEnabled,
	})
	if err != nil {
		return err
	}

	if len(m.Tree.Metadata) > 0 {
		if _, err := v.UpdateMetadata(ctx, mod.RootID, m.Tree.Metadata); err != nil {
			return err
		}
	}
	if len(m.Tree.Tags) > 0 {
		if _, err := v.SetTags(ctx, mod.RootID, m.Tree.Tags); err != nil {
			return err
		}
	}

	type item struct {
		path  string
		entry *Entry
	}
	var work []item
	for _, c := range m.Tree.Children {
		work = append(work, item{"/" + c.Name, c})
	}

	for len(work) > 0 {
		it := work[0]
		work = work[1:]

		var content []byte
		if it.entry.Type == store.NodeTypeFile {
			if content, err = decodeContent(it.entry); err != nil {
				return store.NewError(store.ErrInvalidOperation, it.path, "%v", err)
			}
		}
		node, err := v.Put(ctx, mod.Name, it.path, vfs.PutOptions{
			Type:     it.entry.Type,
			Content:  content,
			Metadata: it.entry.Metadata,
			Tags:     it.entry.Tags,
		})
		if err != nil {
			return err
		}
		res.Nodes++

		for _, s := range it.entry.SRS {
			_, err := v.PutSRSItem(ctx, store.SRSItem{
				NodeID:       node.ID,
				ClozeID:      s.ClozeID,
				Due:          s.Due,
				Interval:     s.Interval,
				Ease:         s.Ease,
				ReviewCount:  s.ReviewCount,
				LastReviewed: s.LastReviewed,
			})
			if err != nil {
				return err
			}
			res.SRS++
		}

		for _, c := range it.entry.Children {
			work = append(work, item{it.path + "/" + c.Name, c})
		}
	}
	return nil
}
