package chunking

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	wsRun       = regexp.MustCompile(`\s+`)
	bracketCite = regexp.MustCompile(`\s*\[\d+\]\s*`)
)

// Abbreviation tokens that never end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"Mr": {}, "Mrs": {}, "Ms": {}, "Dr": {}, "Prof": {}, "Sr": {}, "Jr": {},
	"vs": {}, "etc": {}, "Fig": {}, "Eq": {}, "Ref": {}, "No": {}, "Inc": {},
	"Ltd": {}, "Co": {},
	"Jan": {}, "Feb": {}, "Mar": {}, "Apr": {}, "Jun": {}, "Jul": {},
	"Aug": {}, "Sep": {}, "Sept": {}, "Oct": {}, "Nov": {}, "Dec": {},
}

// Normalize collapses whitespace runs, replaces non-breaking spaces and
// strips bracketed numeric citation markers like [12].
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = bracketCite.ReplaceAllString(text, " ")
	return strings.TrimSpace(wsRun.ReplaceAllString(text, " "))
}

// SplitSentences segments normalized text into trimmed sentence strings.
// A boundary is a '.', '?' or '!' that is not part of an abbreviation, an
// initial, a short capitalized acronym, or a decimal number. Closing
// quotes and brackets directly after the ender stay with the sentence.
func SplitSentences(text string) []string {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var out []string
	last := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '?' && r != '!' {
			continue
		}
		if r == '.' && !periodEndsSentence(runes, i) {
			continue
		}
		end := i + 1
		for end < len(runes) && isClosing(runes[end]) {
			end++
		}
		if sent := strings.TrimSpace(string(runes[last:end])); sent != "" {
			out = append(out, sent)
		}
		last = end
		i = end - 1
	}
	if last < len(runes) {
		if tail := strings.TrimSpace(string(runes[last:])); tail != "" {
			out = append(out, tail)
		}
	}
	return out
}

// periodEndsSentence reports whether the period at index i is a real
// sentence boundary rather than an abbreviation dot or decimal point.
func periodEndsSentence(runes []rune, i int) bool {
	// Decimal point: digits touching the period on both sides ("2.5").
	// A digit on one side only, as in "in 2020." or ".5 mg", is still
	// a boundary.
	if i > 0 && i+1 < len(runes) && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(runes[i+1]) {
		return false
	}

	word := precedingWord(runes, i)
	if word == "" {
		return true
	}
	if _, ok := abbreviations[word]; ok {
		return false
	}
	wr := []rune(word)
	// Initials ("J.") and short capitalized acronyms ("Ph.", "US" pieces).
	if len(wr) == 1 && unicode.IsUpper(wr[0]) {
		return false
	}
	if len(wr) == 2 && unicode.IsUpper(wr[0]) && unicode.IsLower(wr[1]) {
		return false
	}
	return true
}

func precedingWord(runes []rune, i int) string {
	start := i
	for start > 0 && unicode.IsLetter(runes[start-1]) {
		start--
	}
	return string(runes[start:i])
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']':
		return true
	}
	return false
}

// approxTokens is a cheap token-cost proxy: 0.8 tokens per word,
// rounded down. Not a real tokenizer.
func approxTokens(s string) int {
	return len(strings.Fields(s)) * 4 / 5
}
