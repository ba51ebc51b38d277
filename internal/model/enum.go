package model

import "fmt"

// tagName returns names[v] or a diagnostic placeholder for out-of-range values.
func tagName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return fmt.Sprintf("invalid(%d)", v)
	}
	return names[v]
}

// parseTag maps a string tag back to its ordinal.
// Unknown tags are an error; there is no implicit default.
func parseTag[T ~int](kind string, names []string, s string) (T, error) {
	for i, name := range names {
		if name == s {
			return T(i), nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, s)
}
