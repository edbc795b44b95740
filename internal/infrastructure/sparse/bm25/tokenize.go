package bm25

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize lowercases text, splits it on runs of characters that are not
// letters, digits or underscores, and drops single-rune tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	tokens := fields[:0]
	for _, field := range fields {
		if utf8.RuneCountInString(field) > 1 {
			tokens = append(tokens, field)
		}
	}
	return tokens
}
