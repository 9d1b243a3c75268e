// Package stringutil provides small string helpers shared across components.
package stringutil

// Truncate caps s at max bytes.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// TruncateWithEllipsis caps s at max bytes, marking the cut with "...".
func TruncateWithEllipsis(s string, max int) string {
	if max < 4 {
		return Truncate(s, max)
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
