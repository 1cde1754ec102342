package moderation

import (
	"regexp"
	"strings"
)

// linkPattern matches scheme and www links, and bare domains followed by a
// path. A bare "v2.0" or "3.14" does not match.
var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk)/\S*)`)

type spamRule struct {
	name  string
	match func(string) bool
}

// First match wins.
var spamRules = []spamRule{
	{name: "link", match: linkPattern.MatchString},
	{name: "char_flood", match: hasCharFlood},
	{name: "word_flood", match: hasWordFlood},
}

func checkSpam(text string) Result {
	for _, r := range spamRules {
		if r.match(text) {
			return Result{Blocked: true, Reason: ReasonSpam, Term: r.name}
		}
	}
	return Result{}
}

// hasCharFlood reports 6 or more identical runes in a row. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 6

	run := 0
	var prev rune = -1
	for _, r := range text {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run >= threshold {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same word 3 or more times in a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	run := 0
	prev := ""
	for _, w := range strings.Fields(text) {
		w = strings.ToLower(w)
		if w == prev {
			run++
		} else {
			prev, run = w, 1
		}
		if run >= threshold {
			return true
		}
	}
	return false
}
