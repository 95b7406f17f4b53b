package vfs

import (
	"strings"

	"github.com/mushuanli/itookit-sub011/pkg/store"
)

// NormalizePath cleans a module-relative path.
//
// "a//b/./c" and "/a/b/c/" both become "/a/b/c"; "" and "/" are the module
// root. ".." segments and names containing NUL are rejected with
// INVALID_OPERATION.
func NormalizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", store.NewError(store.ErrInvalidOperation, p, "path contains NUL")
	}

	parts := strings.Split(p, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", store.NewError(store.ErrInvalidOperation, p, "path must not contain '..'")
		}
		clean = append(clean, part)
	}
	if len(clean) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(clean, "/"), nil
}

// CanonicalPath builds the store path "/<module><userPath>".
func CanonicalPath(module, userPath string) string {
	if userPath == "" || userPath == "/" {
		return "/" + module
	}
	return "/" + module + userPath
}

// UserPath is the module-relative path of a node ("/" for the root).
func UserPath(n *store.Node) string {
	p := strings.TrimPrefix(n.Path, "/"+n.Module)
	if p == "" {
		return "/"
	}
	return p
}

// splitCanonical returns the parent path and last segment of a canonical path.
func splitCanonical(p string) (parent, name string) {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "", strings.TrimPrefix(p, "/")
	}
	return p[:i], p[i+1:]
}

// splitSegments splits a normalized path into its names.
func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isWithin reports whether p is dir or lies below it.
func isWithin(p, dir string) bool {
	return p == dir || strings.HasPrefix(p, dir+"/")
}

// ValidateModuleName checks a module name.
func ValidateModuleName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return store.NewError(store.ErrInvalidOperation, name, "invalid module name")
	}
	return nil
}

// ValidateTagName checks a tag name.
func ValidateTagName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsRune(name, 0) {
		return store.NewError(store.ErrInvalidOperation, name, "invalid tag name")
	}
	return nil
}
