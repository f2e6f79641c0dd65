package core

import (
	"fmt"
	"math"
)

const ExcerptLimit = 200

// FormatTimestamp renders seconds as zero-padded MM:SS, truncating
// fractional seconds: 185 -> "03:05", 59.9 -> "00:59".
func FormatTimestamp(sec float64) string {
	sec = math.Max(sec, 0)
	m := int(sec) / 60
	s := int(sec) % 60
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatRange renders a text source time range with an en dash.
func FormatRange(start, end float64) string {
	return FormatTimestamp(start) + "–" + FormatTimestamp(end)
}

// Truncate keeps at most n runes of s.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
