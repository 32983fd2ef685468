// Package tokens approximates LLM token counts from text length.
package tokens

import (
	"math"
	"unicode/utf8"
)

// CharsPerToken is the average characters per token assumed for
// multilingual content.
const CharsPerToken = 3.5

// Estimate returns ceil(runes / CharsPerToken). It is a cost estimate, not
// a billing-exact count.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / CharsPerToken))
}

// EstimateAll sums Estimate over texts.
func EstimateAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
