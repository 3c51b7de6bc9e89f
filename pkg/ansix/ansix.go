// Package ansix provides small terminal-output utilities used across the
// project.
package ansix

import (
	"regexp"
	"strings"
)

// ansiRe matches CSI/OSC escape sequences emitted by interactive CLIs.
var ansiRe = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\))`)

// Strip removes ANSI escape sequences from s.
func Strip(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// CleanLine strips ANSI sequences and control characters except tab, then
// trims trailing whitespace. Carriage returns from progress spinners are
// removed along with everything they would have overwritten.
func CleanLine(s string) string {
	s = Strip(s)
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	var b strings.Builder
	for _, r := range s {
		if r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " \t")
}
