// Package mention extracts @handle tokens from user-authored text for
// downstream notification fan-out.
package mention

import "regexp"

var handlePattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)

// Parse returns the handles mentioned in content, in order of first
// appearance, without duplicates.
func Parse(content string) []string {
	matches := handlePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		handle := m[1]
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}
		out = append(out, handle)
	}
	return out
}
