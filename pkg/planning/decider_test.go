package planning

import (
	"strings"
	"testing"
)

func TestShouldPlanShortCircuitsBelowThreshold(t *testing.T) {
	// Contains two trigger keywords but only ~8 estimated tokens.
	input := "Compare and analyze these two reports."
	if ShouldPlan(input) {
		t.Fatalf("expected false for input below the token threshold")
	}
}

func TestShouldPlanKeywordAboveThreshold(t *testing.T) {
	filler := strings.Repeat("alpha beta gamma delta ", 10)
	input := filler + "please outline a strategy for the quarter"
	if EstimateTokens(input) < planningTokenThreshold {
		t.Fatalf("test input must clear the token threshold")
	}
	if !ShouldPlan(input) {
		t.Fatalf("expected true for keyword match above the threshold")
	}
}

func TestShouldPlanMultiSentenceAboveThreshold(t *testing.T) {
	sentence := strings.Repeat("one two three four five six seven eight ", 3)
	input := sentence + ". " + sentence + "."
	if EstimateTokens(input) < planningTokenThreshold {
		t.Fatalf("test input must clear the token threshold")
	}
	if !ShouldPlan(input) {
		t.Fatalf("expected true for two or more sentences above the threshold")
	}
}

func TestShouldPlanLongSingleSentenceNoKeyword(t *testing.T) {
	input := strings.Repeat("word ", 50)
	if ShouldPlan(input) {
		t.Fatalf("expected false for a single sentence without keywords")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"one", 2},              // ceil(1*1.3)
		{"one two three", 4},    // ceil(3*1.3)
		{"a b c d e f g h", 11}, // ceil(8*1.3)
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestCountSentences(t *testing.T) {
	if got := countSentences("First. Second! Third?"); got != 3 {
		t.Errorf("expected 3 sentence runs, got %d", got)
	}
	// Consecutive punctuation is one run.
	if got := countSentences("Wait... what?!"); got != 2 {
		t.Errorf("expected 2 sentence runs, got %d", got)
	}
}
