package auth

import "strings"

// ScopeMatches reports whether a granted scope satisfies a required
// scope under meridian's hierarchical, dot-separated wildcard scheme:
// "a.b.c" matches required "a.b.c" exactly; "a.*" matches any "a.x" or
// "a.x.y"; "*" matches anything.
func ScopeMatches(granted, required string) bool {
	if granted == required {
		return true
	}
	if granted == "*" {
		return true
	}

	gParts := strings.Split(granted, ".")
	rParts := strings.Split(required, ".")

	for i, gp := range gParts {
		if gp == "*" {
			// "*" must be a suffix: it matches the rest of required
			// regardless of remaining depth.
			return i <= len(rParts)
		}
		if i >= len(rParts) || gp != rParts[i] {
			return false
		}
	}
	return len(gParts) == len(rParts)
}

// AnyScopeMatches reports whether any granted scope satisfies required.
func AnyScopeMatches(granted []string, required string) bool {
	for _, g := range granted {
		if ScopeMatches(g, required) {
			return true
		}
	}
	return false
}
