package util

import "unicode/utf8"

// TruncateUTF8 shortens s to at most max bytes without splitting a
// multi-byte rune; the cut moves back to the nearest rune start.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max || max < 0 {
		return s
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}
