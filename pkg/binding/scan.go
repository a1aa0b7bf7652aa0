package binding

import (
	"sort"

	"github.com/zoravur/docbind/pkg/docpath"
	"github.com/zoravur/docbind/pkg/store"
)

// refEntry records one discovered reference field: where it sits in the
// scanned structure and the handle found there.
type refEntry struct {
	Path string
	Ref  store.DocumentRef
}

// extractRefs walks value and returns every reference field reachable
// without crossing another reference: scanning stops at the first
// DocumentRef on a branch, so a reference's own contents never appear in
// the result. Sequences are visited index-ascending and maps in sorted key
// order, which keeps the output stable across repeated calls on the same
// input. Non-container, non-reference leaves are skipped.
func extractRefs(value any, base string) []refEntry {
	switch v := value.(type) {
	case store.DocumentRef:
		return []refEntry{{Path: base, Ref: v}}
	case []any:
		var out []refEntry
		for i, item := range v {
			out = append(out, extractRefs(item, docpath.AppendIndex(base, i))...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []refEntry
		for _, k := range keys {
			out = append(out, extractRefs(v[k], docpath.AppendKey(base, k))...)
		}
		return out
	}
	return nil
}
