// Package tokens approximates model token counts for local context budgeting.
// Estimates are conservative and never authoritative for provider limits.
package tokens

import (
	"math"
	"unicode/utf8"
)

// DefaultCharsPerToken is the character-per-token ratio of CharEstimator
const DefaultCharsPerToken = 4.0

// Estimator approximates the token cost of text
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens from the rune count of the text,
// inflated by 10% to stay on the safe side.
type CharEstimator struct {
	CharsPerToken float64
}

// NewCharEstimator returns a CharEstimator; non-positive ratios use the default
func NewCharEstimator(charsPerToken float64) *CharEstimator {
	if charsPerToken <= 0 || math.IsNaN(charsPerToken) {
		charsPerToken = DefaultCharsPerToken
	}
	return &CharEstimator{CharsPerToken: charsPerToken}
}

// Estimate returns ceil(ceil(runes / charsPerToken) * 1.1)
func (e *CharEstimator) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	base := int(math.Ceil(float64(n) / e.CharsPerToken))
	return inflate(base)
}

// inflate applies the 1.1 safety margin in integer arithmetic
func inflate(base int) int {
	return (base*11 + 9) / 10
}

// MessageCost estimates a history entry the way it is rendered into a prompt
func MessageCost(e Estimator, author, content string) int {
	return e.Estimate(FormatLine(author, content))
}

// FormatLine renders a history entry as "author: content"
func FormatLine(author, content string) string {
	if author == "" {
		return content
	}
	return author + ": " + content
}
