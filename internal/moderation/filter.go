// Package moderation screens chat text before it is relayed between seats.
// A Filter combines a blocked-term list (single words and multi-word
// phrases, matched on whole words and after undoing common character
// substitutions) with a handful of spam heuristics.
package moderation

import (
	"strings"
	"unicode"
)

// Result is the outcome of a Check. Reason is "blocked_term" or
// "spam_pattern"; Term names the term or heuristic that matched.
type Result struct {
	Blocked bool
	Reason  string
	Term    string
}

const (
	ReasonBlockedTerm = "blocked_term"
	ReasonSpam        = "spam_pattern"
)

// DefaultTerms is the blocklist used by NewFilter.
var DefaultTerms = []string{
	"bomb threat",
	"i have a bomb",
	"hijack",
	"hijacking",
	"kill yourself",
	"free bitcoin",
	"crypto giveaway",
	"send nudes",
}

// Filter is safe for concurrent use once built.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter returns a filter loaded with DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms builds a filter from terms. Terms are lower-cased; blank
// entries are ignored. A term containing a space is matched as a phrase.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.Join(strings.Fields(strings.ToLower(t)), " ")
		if t == "" {
			continue
		}
		if strings.Contains(t, " ") {
			f.phrases = append(f.phrases, t)
		} else {
			f.words[t] = struct{}{}
		}
	}
	return f
}

// Check screens text. Blocked terms are checked before spam heuristics.
func (f *Filter) Check(text string) Result {
	if text == "" {
		return Result{}
	}
	lower := strings.ToLower(text)

	if term, ok := f.matchTerms(tokenizePlain(lower)); ok {
		return Result{Blocked: true, Reason: ReasonBlockedTerm, Term: term}
	}

	leet := tokenizeLeet(lower)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}
	if term, ok := f.matchTerms(leet); ok {
		return Result{Blocked: true, Reason: ReasonBlockedTerm, Term: term}
	}

	return checkSpam(text)
}

func (f *Filter) matchTerms(tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	if len(f.phrases) == 0 {
		return "", false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(joined, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// tokenizePlain splits on anything that is not a letter or digit.
func tokenizePlain(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits on whitespace only so substitution characters such as
// '@' and '$' stay inside their word.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet maps substitution characters back to letters and drops any
// remaining punctuation.
func normalizeLeet(tok string) string {
	var b strings.Builder
	b.Grow(len(tok))
	for _, r := range tok {
		if m, ok := leetMap[r]; ok {
			b.WriteRune(m)
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
