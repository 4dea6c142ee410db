// Package listutil cleans up list-valued settings such as broker addresses.
package listutil

import "strings"

// Compact trims each value, drops empties and removes repeats. The first
// occurrence keeps its position. A nil or empty input is returned as is.
func Compact(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
