// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate cuts s to at most limit bytes and reports whether anything was
// cut. A string exactly at the limit passes through untouched. The cut backs
// off a trailing partial rune so the result stays valid UTF-8; the result
// never exceeds limit bytes.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 {
		return "", len(s) > 0
	}
	if len(s) <= limit {
		return s, false
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.RuneStart(cut[len(cut)-1]) {
		cut = cut[:len(cut)-1]
	}
	// The last byte may be the start of a rune whose tail was cut off.
	if len(cut) > 0 {
		if r, size := utf8.DecodeLastRuneInString(cut); r == utf8.RuneError && size == 1 {
			cut = cut[:len(cut)-1]
		}
	}
	return cut, true
}
