// internal/security/sanitizer.go
package security

import "strings"

const maxDisplayPath = 1024

// DisplayPath makes a file name safe to print on a terminal. Control
// characters, which are legal in file names, become '?' and long paths are
// truncated.
func DisplayPath(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxDisplayPath {
			b.WriteString("...")
			break
		}
		if r < 0x20 || r == 0x7f {
			r = '?'
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
