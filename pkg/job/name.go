package job

import "strings"

// MaxNameLength is the longest job name the execution service accepts.
const MaxNameLength = 127

// SanitizeName maps an object key onto the job-name charset [A-Za-z0-9_-].
// Every other character becomes '_' and the result is cut to MaxNameLength.
func SanitizeName(key string) string {
	var b strings.Builder
	b.Grow(min(len(key), MaxNameLength))
	for _, r := range key {
		if b.Len() == MaxNameLength {
			break
		}
		if isNameChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isNameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return r == '_' || r == '-'
}
