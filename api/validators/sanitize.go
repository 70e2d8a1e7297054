package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFileNameBytes is the longest upload name kept, matching NAME_MAX.
const MaxFileNameBytes = 255

// SanitizeFileName trims an upload filename, drops control characters and
// invalid UTF-8, and cuts it to at most maxBytes without splitting a rune.
func SanitizeFileName(input string, maxBytes int) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range strings.TrimSpace(input) {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if maxBytes > 0 && b.Len()+utf8.RuneLen(r) > maxBytes {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
