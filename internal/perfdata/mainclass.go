// ABOUTME: jps-style main class heuristic applied to a raw java command string.

package perfdata

import "strings"

// MainClass derives the display name of a runtime from its command string:
// the token before the first space, with any directory prefix removed, and
// the last dotted segment taken unless the name is a jar.
func MainClass(command string) string {
	name := command
	if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		last := name[i+1:]
		if !strings.EqualFold(last, "jar") {
			return last
		}
	}
	return name
}
