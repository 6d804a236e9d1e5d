// Package tokencount approximates token counts for budget decisions.
// The true tokenizer lives with the embedding/LLM models; everything in
// this process only needs a stable estimate for packing and cutoffs.
package tokencount

import (
	"strings"
	"unicode"
)

// Estimate returns an approximate token count: one token per ~4 chars,
// corrected toward the word count for whitespace-heavy text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	chars := len(text)
	words := len(strings.FieldsFunc(text, func(r rune) bool { return unicode.IsSpace(r) }))
	byChars := (chars + 3) / 4
	// Natural language runs just over one token per word; code and URLs
	// run closer to chars/4. Take the larger so budgets stay safe.
	byWords := words + words/3
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// TailByBudget returns the suffix of items whose combined estimate fits
// the budget, preserving order.
func TailByBudget(items []string, budget int) []string {
	total := 0
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		n := Estimate(items[i])
		if total+n > budget {
			break
		}
		total += n
		start = i
	}
	return items[start:]
}

// Truncate trims text to approximately maxTokens, cutting on a rune
// boundary.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(text) <= maxTokens {
		return text
	}
	limit := maxTokens * 4
	runes := []rune(text)
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit])
}
