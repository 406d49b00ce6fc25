package scanner

import (
	"path"
	"path/filepath"
	"strings"

	"putplace.dev/internal/model"
)

// matchExcludes reports whether relPath (slash-separated, relative to its
// root) is suppressed by any pattern in excludes (spec.md §4.2 "Exclude
// semantics"): a pattern matches the full relative path, any path
// component, or (if it contains '*') either of those under glob rules.
func matchExcludes(relPath string, excludes []model.Exclude) bool {
	components := strings.Split(relPath, "/")
	for _, ex := range excludes {
		pat := ex.Pattern
		if pat == relPath {
			return true
		}
		hasGlob := strings.Contains(pat, "*")
		if hasGlob {
			if ok, _ := path.Match(pat, relPath); ok {
				return true
			}
		}
		for _, c := range components {
			if c == pat {
				return true
			}
			if hasGlob {
				if ok, _ := filepath.Match(pat, c); ok {
					return true
				}
			}
		}
	}
	return false
}
