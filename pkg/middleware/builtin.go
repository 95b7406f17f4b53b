package middleware

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/gobwas/glob"
	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/zeebo/blake3"
)

// MaxSize rejects content larger than limit bytes.
type MaxSize struct {
	Limit int
}

func (m MaxSize) Name() string { return "max-size" }

func (m MaxSize) OnValidate(_ context.Context, t Target, content []byte) error {
	if m.Limit > 0 && len(content) > m.Limit {
		return store.NewError(store.ErrInvalidOperation, t.Node.Path,
			"content of %d bytes exceeds limit of %d", len(content), m.Limit)
	}
	return nil
}

// NormalizeLineEndings rewrites CRLF and lone CR to LF.
type NormalizeLineEndings struct{}

func (NormalizeLineEndings) Name() string { return "normalize-line-endings" }

func (NormalizeLineEndings) OnBeforeWrite(_ context.Context, _ Target, content []byte) ([]byte, error) {
	if !bytes.ContainsRune(content, '\r') {
		return content, nil
	}
	out := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(out, []byte("\r"), []byte("\n")), nil
}

// ContentHashKey is the metadata key written by ContentHash.
const ContentHashKey = "content_hash"

// ContentHash records the BLAKE3 digest of the stored content in metadata.
type ContentHash struct{}

func (ContentHash) Name() string { return "content-hash" }

func (ContentHash) OnAfterWrite(_ context.Context, _ Target, content []byte) (map[string]any, error) {
	sum := blake3.Sum256(content)
	return map[string]any{ContentHashKey: "blake3:" + hex.EncodeToString(sum[:])}, nil
}

// ReadOnlyPaths rejects writes to canonical paths matching any pattern.
// Patterns use glob syntax with '/' as separator, e.g. "/journal/archive/**".
type ReadOnlyPaths struct {
	patterns []glob.Glob
	raw      []string
}

// NewReadOnlyPaths compiles the patterns.
func NewReadOnlyPaths(patterns ...string) (*ReadOnlyPaths, error) {
	r := &ReadOnlyPaths{raw: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, store.NewError(store.ErrInvalidOperation, p, "bad pattern: %v", err)
		}
		r.patterns = append(r.patterns, g)
	}
	return r, nil
}

func (r *ReadOnlyPaths) Name() string { return "read-only-paths" }

func (r *ReadOnlyPaths) OnValidate(_ context.Context, t Target, _ []byte) error {
	for i, g := range r.patterns {
		if g.Match(t.Node.Path) {
			return store.NewError(store.ErrPermissionDenied, t.Node.Path, "path is read-only (%s)", r.raw[i])
		}
	}
	return nil
}
