package store

import (
	"strings"

	"github.com/google/uuid"
)

// Key Namespace Design
// ====================
//
// Every table lives in one ordered keyspace, separated by prefixes, so a
// single transaction covers inode, content, tag, SRS and sync writes.
//
// Data Type          Prefix  Key Format                     Value
// ===================================================================
// Nodes              "n:"    n:<uuid>                       Node (JSON)
// Path Index         "p:"    p:<canonical path>             uuid (text)
// Children Index     "c:"    c:<parentUUID>:<name>          uuid (text)
// Content            "b:"    b:<content ref>                ContentRecord (JSON)
// Tags               "t:"    t:<tag>                        Tag (JSON)
// Tag Index          "tn:"   tn:<tag>\x00<uuid>             empty
// SRS Items          "s:"    s:<uuid>:<clozeID>             SRSItem (JSON)
// Change Log         "ch:"   ch:<ulid>                      Change (JSON)
// Conflicts          "cf:"   cf:<id>                        Conflict (JSON)
// Metadata           "x:"    x:<name>                       any (JSON)
//
// Notes:
//   - Canonical paths are "/<module>/<a>/<b>", so the subtree of a module or
//     directory is the range scan "p:<path>/".
//   - Children are listed with the range scan "c:<parentUUID>:", ordered by
//     name.
//   - The tag index separates tag and uuid with NUL because tag names may
//     contain ':'.
//   - Change IDs are ULIDs, so a scan over "ch:" yields creation order.

const (
	prefixNode     = "n:"
	prefixPath     = "p:"
	prefixChild    = "c:"
	prefixContent  = "b:"
	prefixTag      = "t:"
	prefixTagIndex = "tn:"
	prefixSRS      = "s:"
	prefixChange   = "ch:"
	prefixConflict = "cf:"
	prefixMeta     = "x:"
)

func keyNode(id uuid.UUID) []byte {
	return []byte(prefixNode + id.String())
}

func keyPath(path string) []byte {
	return []byte(prefixPath + path)
}

func keyChild(parent uuid.UUID, name string) []byte {
	return []byte(prefixChild + parent.String() + ":" + name)
}

func keyChildPrefix(parent uuid.UUID) []byte {
	return []byte(prefixChild + parent.String() + ":")
}

func keyContent(ref string) []byte {
	return []byte(prefixContent + ref)
}

func keyTag(name string) []byte {
	return []byte(prefixTag + name)
}

func keyTagIndex(tag string, id uuid.UUID) []byte {
	return []byte(prefixTagIndex + tag + "\x00" + id.String())
}

func keyTagIndexPrefix(tag string) []byte {
	return []byte(prefixTagIndex + tag + "\x00")
}

func keySRS(id uuid.UUID, clozeID string) []byte {
	return []byte(prefixSRS + id.String() + ":" + clozeID)
}

func keySRSPrefix(id uuid.UUID) []byte {
	return []byte(prefixSRS + id.String() + ":")
}

func keyChange(id string) []byte {
	return []byte(prefixChange + id)
}

func keyConflict(id string) []byte {
	return []byte(prefixConflict + id)
}

func keyMeta(name string) []byte {
	return []byte(prefixMeta + name)
}

// parseTagIndexKey extracts the node id from a tag index key.
func parseTagIndexKey(key []byte) (uuid.UUID, bool) {
	s := string(key)
	i := strings.LastIndexByte(s, 0)
	if i < 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s[i+1:])
	return id, err == nil
}
