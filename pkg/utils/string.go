package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeDisplayName strips control characters and surrounding whitespace
// and caps the result at maxRunes runes.
func SanitizeDisplayName(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxRunes]))
}
