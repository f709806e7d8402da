package jsonpatch

import (
	"strconv"
	"strings"
)

// PathCombiner prefixes field paths with a root and optional sub-root, e.g.
// root "sections", sub-root "upload" gives /sections/upload/files/0/metadata/dc.title
type PathCombiner struct {
	Root    string
	SubRoot string
}

// Path joins the combiner's prefix with one or more fragments.
// Fragments may contain slashes; empty fragments are skipped.
func (c PathCombiner) Path(fragments ...string) string {
	parts := make([]string, 0, len(fragments)+2)
	for _, p := range append([]string{c.Root, c.SubRoot}, fragments...) {
		p = strings.Trim(p, "/")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Index renders an array index fragment
func Index(i int) string {
	return strconv.Itoa(i)
}

// EscapeToken escapes a single reference token per RFC 6901
func EscapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}
