// Package planning decides whether a request needs a plan, ranks agent
// candidates, and builds bounded plans for the acting engine.
package planning

import (
	"math"
	"regexp"
	"strings"
)

// planningTokenThreshold is the estimate below which a request is always
// executed directly, regardless of content.
const planningTokenThreshold = 40

// planKeywords trigger planning for requests above the token threshold.
// Matched as case-insensitive substrings.
var planKeywords = []string{"plan", "strategy", "compare", "analyze", "workflow"}

var sentencePattern = regexp.MustCompile(`[.!?]+`)

// EstimateTokens approximates the token count of raw text as
// ceil(words * 1.3).
func EstimateTokens(input string) int {
	words := len(strings.Fields(input))
	return int(math.Ceil(float64(words) * 1.3))
}

// ShouldPlan reports whether the input warrants a plan instead of direct
// execution. Pure and synchronous. Rule order matters: the token threshold
// short-circuits before any content inspection.
func ShouldPlan(input string) bool {
	if EstimateTokens(input) < planningTokenThreshold {
		return false
	}
	lower := strings.ToLower(input)
	for _, keyword := range planKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return countSentences(input) >= 2
}

// countSentences counts runs of sentence-ending punctuation.
func countSentences(input string) int {
	return len(sentencePattern.FindAllString(input, -1))
}
