// Package logutil holds helpers for writing user-controlled values to logs.
package logutil

import (
	"strings"
	"unicode"
)

// MaxLogValue is the longest value, in runes, SanitizeForLog keeps.
const MaxLogValue = 256

// SanitizeForLog makes a user-provided string safe for one log line. Line
// breaks and tabs become spaces, other control characters (C0, DEL and C1)
// are dropped and the result is cut to MaxLogValue runes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == MaxLogValue {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case unicode.IsControl(r):
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
