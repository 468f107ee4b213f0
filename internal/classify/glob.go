package classify

import "strings"

// Match reports whether value matches the glob pattern.
//
// Semantics, all case-sensitive, no path canonicalisation:
//   - '*' matches any run of characters except '/'
//   - '**' matches any run of characters including '/'
//   - '?' matches exactly one character other than '/'
//   - '!(p)' (whole pattern) matches exactly when p does not
//
// Wildcards never match a '.' at the start of a path segment, so
// "/sandbox/../x" is not inside "/sandbox/**" even though the literal prefix
// matches. Values are compared exactly as given; ".." is never resolved.
func Match(value, pattern string) bool {
	if strings.HasPrefix(pattern, "!(") && strings.HasSuffix(pattern, ")") {
		return !Match(value, pattern[2:len(pattern)-1])
	}
	return matchHere(value, pattern, true)
}

// matchHere matches with explicit backtracking for wildcards. atStart tracks
// whether v begins at a path-segment boundary (start of string or after '/').
func matchHere(v, p string, atStart bool) bool {
	if p == "" {
		return v == ""
	}

	if strings.HasPrefix(p, "**") {
		rest := p[2:]
		at := atStart
		for i := 0; ; i++ {
			if matchHere(v[i:], rest, at) {
				return true
			}
			if i >= len(v) {
				return false
			}
			c := v[i]
			if at && c == '.' {
				return false
			}
			at = c == '/'
		}
	}

	switch p[0] {
	case '*':
		rest := p[1:]
		at := atStart
		for i := 0; ; i++ {
			if matchHere(v[i:], rest, at) {
				return true
			}
			if i >= len(v) {
				return false
			}
			c := v[i]
			if c == '/' {
				return false
			}
			if at && c == '.' {
				return false
			}
			at = false
		}
	case '?':
		if v == "" || v[0] == '/' {
			return false
		}
		if atStart && v[0] == '.' {
			return false
		}
		return matchHere(v[1:], p[1:], false)
	default:
		if v == "" || v[0] != p[0] {
			return false
		}
		return matchHere(v[1:], p[1:], v[0] == '/')
	}
}
