package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from a
// user-provided string so it cannot forge extra log lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Label is SanitizeForLog followed by Truncate, for command lines and
// other unbounded values that end up in log prefixes.
func Label(s string, n int) string {
	return Truncate(SanitizeForLog(s), n)
}
