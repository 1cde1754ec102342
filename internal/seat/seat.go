// Package seat holds seat identifier rules and the pair room resolver. A seat
// (e.g. "24A") is the only identity a passenger has on the flight network, so
// every presence entry, request and message is keyed by it.
package seat

import (
	"sort"
	"strings"
)

// Separator joins the two seats of a room name.
const Separator = "-"

// MaxLen is the longest seat identifier accepted.
const MaxLen = 8

// Normalize trims surrounding whitespace and upper-cases the identifier so
// "24a " and "24A" address the same passenger.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Valid reports whether s is a non-empty run of at most MaxLen ASCII letters
// and digits. Callers are expected to Normalize first.
func Valid(s string) bool {
	if s == "" || len(s) > MaxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// ResolveRoom derives the shared room name for a seat pair. The seats are
// sorted before joining, so ResolveRoom(a, b) == ResolveRoom(b, a) and both
// participants arrive at the same room without a lookup.
func ResolveRoom(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, Separator)
}
