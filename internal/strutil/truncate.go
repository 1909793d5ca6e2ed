// Package strutil provides small string helpers shared across packages.
package strutil

// Truncate caps s at maxLen runes, appending "..." when anything was cut.
// Rune-level slicing keeps multi-byte characters intact. A non-positive
// maxLen yields an empty string rather than a bounds panic.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
