package protocol

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Scope filters changes by collection, module and path. Empty lists match
// everything.
type Scope struct {
	Modules     []string `json:"modules,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	Collections []string `json:"collections,omitempty"`
}

// Matcher is a compiled Scope.
type Matcher struct {
	modules     map[string]bool
	collections map[string]bool
	paths       []glob.Glob
}

// Compile validates the scope and compiles its path globs. Paths are
// module-relative ("/projects/**").
func (s Scope) Compile() (*Matcher, error) {
	m := &Matcher{}
	if len(s.Modules) > 0 {
		m.modules = make(map[string]bool, len(s.Modules))
		for _, mod := range s.Modules {
			m.modules[mod] = true
		}
	}
	if len(s.Collections) > 0 {
		m.collections = make(map[string]bool, len(s.Collections))
		for _, c := range s.Collections {
			switch c {
			case CollectionNodes, CollectionTags, CollectionSRS, CollectionModules:
			default:
				return nil, fmt.Errorf("unknown collection %q", c)
			}
			m.collections[c] = true
		}
	}
	for _, p := range s.Paths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("bad path pattern %q: %w", p, err)
		}
		m.paths = append(m.paths, g)
	}
	return m, nil
}

// MustCompile is Compile for literal scopes; it panics on error.
func (s Scope) MustCompile() *Matcher {
	m, err := s.Compile()
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether a change to key in collection is in scope. Tags are
// global and only filtered by collection; modules ignore path patterns.
func (m *Matcher) Match(collection, key string) bool {
	if m.collections != nil && !m.collections[collection] {
		return false
	}

	switch collection {
	case CollectionTags:
		return true
	case CollectionModules:
		return m.modules == nil || m.modules[key]
	}

	module, path, _, ok := SplitKey(collection, key)
	if !ok {
		return false
	}
	if m.modules != nil && !m.modules[module] {
		return false
	}
	if len(m.paths) == 0 {
		return true
	}
	for _, g := range m.paths {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// NodeKey is the sync key of a node: "<module>:<userPath>".
func NodeKey(module, userPath string) string {
	return module + ":" + userPath
}

// SRSKey is the sync key of an SRS item: "<module>:<userPath>#<clozeID>".
func SRSKey(module, userPath, clozeID string) string {
	return NodeKey(module, userPath) + "#" + clozeID
}

// SplitKey parses a nodes or srs key. Module names never contain '/', so
// the first ":/" ends the module; the cloze id follows the last '#'.
func SplitKey(collection, key string) (module, path, cloze string, ok bool) {
	i := strings.Index(key, ":/")
	if i <= 0 {
		return "", "", "", false
	}
	module, path = key[:i], key[i+1:]

	if collection == CollectionSRS {
		j := strings.LastIndexByte(path, '#')
		if j < 0 || j == len(path)-1 {
			return "", "", "", false
		}
		path, cloze = path[:j], path[j+1:]
	}
	return module, path, cloze, true
}
