package output

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// charsPerToken is the heuristic used for token estimates.
const charsPerToken = 4

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
}

// Truncate bounds text to roughly maxTokens tokens, marking the cut.
// Non-positive budgets return text unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	limit := maxTokens * charsPerToken
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	omitted := len(runes) - limit
	return string(runes[:limit]) + "\n\n[... truncated " + strconv.Itoa(omitted) + " characters]"
}

// Summarize returns the first maxChars runes of text with whitespace runs collapsed.
func Summarize(text string, maxChars int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if maxChars <= 0 || utf8.RuneCountInString(collapsed) <= maxChars {
		return collapsed
	}
	runes := []rune(collapsed)
	return strings.TrimSpace(string(runes[:maxChars])) + "..."
}
