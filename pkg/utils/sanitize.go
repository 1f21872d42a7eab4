package utils

import (
	"strings"
	"unicode/utf8"
)

// maxFilenameLength is the byte ceiling for a sanitized filename component
const maxFilenameLength = 100

// isUnsafeFilenameRune reports characters that are invalid in Windows or Unix filenames
func isUnsafeFilenameRune(r rune) bool {
	return r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r)
}

// SanitizeFilename turns a report label (host, search term) into a safe filename component.
// Unsafe characters become underscores, runs of underscores collapse to one and
// the result is cut to maxFilenameLength bytes without splitting a UTF-8 sequence.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if isUnsafeFilenameRune(r) || r == '_' {
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
			continue
		}
		lastUnderscore = false
		b.WriteRune(r)
	}

	sanitized := strings.Trim(b.String(), "_ ")
	if len(sanitized) > maxFilenameLength {
		cut := maxFilenameLength
		for cut > 0 && !utf8.RuneStart(sanitized[cut]) {
			cut--
		}
		sanitized = strings.Trim(sanitized[:cut], "_ ")
	}

	if sanitized == "" {
		return "untitled"
	}
	return sanitized
}
