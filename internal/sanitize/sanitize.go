// Package sanitize cleans terminal output chunks before they are shown or
// recorded.
//
// Two rules apply, in order:
//
//  1. Legacy prefix. Some relays tag each chunk with a single leading type
//     character. '0' means output and is stripped; '1' and '2' are control
//     messages and the whole chunk is dropped.
//  2. Title sequences. Operating System Commands of the form
//     ESC ] <digits> ; <text> BEL and ESC ] <digits> ; <text> ESC \ are removed.
//
// Every other escape sequence (colors, cursor movement, erase) passes through
// unchanged, and an OSC with no terminator is left in place.
package sanitize

import "regexp"

// oscPattern matches a terminated OSC whose text holds no BEL or ESC.
var oscPattern = regexp.MustCompile(`\x1b\][0-9]+;[^\x07\x1b]*(?:\x07|\x1b\\)`)

// Legacy type prefixes.
const (
	PrefixOutput  = '0'
	PrefixControl = '1'
	PrefixNotice  = '2'
)

// HasLegacyPrefix reports whether chunk starts with one of the legacy type
// characters.
func HasLegacyPrefix(chunk string) bool {
	if chunk == "" {
		return false
	}
	switch chunk[0] {
	case PrefixOutput, PrefixControl, PrefixNotice:
		return true
	}
	return false
}

// UnwrapLegacy applies the legacy prefix rule. keep is false when the chunk is
// a control message that must not be displayed.
func UnwrapLegacy(chunk string) (body string, keep bool) {
	if !HasLegacyPrefix(chunk) {
		return chunk, true
	}
	if chunk[0] == PrefixOutput {
		return chunk[1:], true
	}
	return "", false
}

// StripOSC removes terminated OSC sequences. Removal repeats until nothing
// matches, so a sequence left behind by removing an inner one is removed too.
func StripOSC(chunk string) string {
	for {
		next := oscPattern.ReplaceAllString(chunk, "")
		if len(next) == len(chunk) {
			return next
		}
		chunk = next
	}
}

// Sanitize applies both rules.
func Sanitize(chunk string) string {
	body, keep := UnwrapLegacy(chunk)
	if !keep {
		return ""
	}
	return StripOSC(body)
}
