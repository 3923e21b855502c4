package reservation

import (
	"github.com/bmatcuk/doublestar/v4"
)

// patternsConflict reports whether two glob patterns can cover a common path.
// Exact equality is checked first because two identical patterns with
// wildcards do not necessarily match each other as literal strings.
func patternsConflict(a, b string) bool {
	if a == b {
		return true
	}
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	return false
}

// overlapping returns the subset of requested patterns that collide with any
// of the held patterns.
func overlapping(requested, held []string) []string {
	var out []string
	for _, r := range requested {
		for _, h := range held {
			if patternsConflict(r, h) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
