package bridge

import "unicode/utf8"

// =============================================================================
// Token Counting
// =============================================================================
// Token estimation for context budget management. The heuristic is
// calibrated for the assistant's tokenizer (~4 characters per token).

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	// Calibration factor (characters per token)
	charsPerToken float64
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		charsPerToken: 4.0,
	}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int {
	if s == "" {
		return 0
	}
	// Rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	return int(float64(runeCount) / tc.charsPerToken)
}

// CharBudget converts a token ceiling to the equivalent character count.
func (tc *TokenCounter) CharBudget(tokens int) int {
	return int(float64(tokens) * tc.charsPerToken)
}

// EstimateTokens is a convenience wrapper around a default counter.
func EstimateTokens(s string) int {
	return NewTokenCounter().CountString(s)
}
