// Package docpath implements deep get/set over nested map[string]any and
// []any structures addressed by dotted paths with bracket indexes, e.g.
// "a.b[2].c". The canonical form has no leading dot; object steps use dots,
// sequence steps use bracket-index notation.
package docpath

import (
	"strconv"
	"strings"
)

// Segment is one step of a parsed path: either a map key or a slice index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Parse splits a path into segments. It is lenient: malformed bracket
// groups are treated as part of the key text rather than rejected, so paths
// produced by AppendKey/AppendIndex always round-trip.
func Parse(path string) []Segment {
	if path == "" {
		return nil
	}
	var segs []Segment
	for _, part := range strings.Split(path, ".") {
		name := part
		var brackets []int
		for {
			open := strings.LastIndexByte(name, '[')
			if open < 0 || !strings.HasSuffix(name, "]") {
				break
			}
			idx, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil || idx < 0 {
				break
			}
			brackets = append(brackets, idx)
			name = name[:open]
		}
		if name != "" || len(brackets) == 0 {
			segs = append(segs, Segment{Key: name})
		}
		for i := len(brackets) - 1; i >= 0; i-- {
			segs = append(segs, Segment{Index: brackets[i], IsIndex: true})
		}
	}
	return segs
}

// AppendKey extends base with a map-key step.
func AppendKey(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// AppendIndex extends base with a sequence-index step.
func AppendIndex(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}

// Get resolves path through root. The second return is false when any
// intermediate segment is absent or not traversable; Get never panics on
// shape mismatches.
func Get(root any, path string) (any, bool) {
	cur := root
	for _, seg := range Parse(path) {
		if seg.IsIndex {
			s, ok := cur.([]any)
			if !ok || seg.Index >= len(s) {
				return nil, false
			}
			cur = s[seg.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.Key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate containers as needed.
// A bracket segment forces its container to be a sequence; short sequences
// are grown with nil holes before assignment. Absent intermediate keys
// become empty maps unless the next segment requires a sequence. Containers
// are mutated in place where possible; the (possibly replaced) root is
// returned and must be kept by the caller, since growing a root sequence
// reallocates it.
func Set(root any, path string, value any) any {
	segs := Parse(path)
	if len(segs) == 0 {
		return value
	}
	return setSegments(root, segs, value)
}

func setSegments(cur any, segs []Segment, value any) any {
	seg := segs[0]
	if seg.IsIndex {
		s, _ := cur.([]any)
		for len(s) <= seg.Index {
			s = append(s, nil)
		}
		if len(segs) == 1 {
			s[seg.Index] = value
		} else {
			s[seg.Index] = setSegments(s[seg.Index], segs[1:], value)
		}
		return s
	}
	m, ok := cur.(map[string]any)
	if !ok || m == nil {
		m = map[string]any{}
	}
	if len(segs) == 1 {
		m[seg.Key] = value
	} else {
		m[seg.Key] = setSegments(m[seg.Key], segs[1:], value)
	}
	return m
}
