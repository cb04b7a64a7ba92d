package contextopt

import (
	"fmt"
	"strings"
	"testing"
)

func TestDeduplicateContextWindow(t *testing.T) {
	messages := []string{"a", "b", "a", "b", "c"}
	got := DeduplicateContext(messages, 5)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDeduplicateContextPrefixUntouched(t *testing.T) {
	// 25 messages, window 20: the first 5 stay even when duplicated.
	messages := make([]string, 0, 25)
	for i := 0; i < 5; i++ {
		messages = append(messages, "prefix-dup")
	}
	for i := 0; i < 20; i++ {
		messages = append(messages, fmt.Sprintf("tail-%d", i%10))
	}
	got := DeduplicateContext(messages, 20)

	for i := 0; i < 5; i++ {
		if got[i] != "prefix-dup" {
			t.Fatalf("prefix must be preserved byte-for-byte at %d: %q", i, got[i])
		}
	}
	// Window had 20 entries with only 10 distinct values.
	if len(got) != 5+10 {
		t.Fatalf("expected 15 messages, got %d", len(got))
	}
	if len(got) > len(messages) {
		t.Fatalf("output must never exceed input length")
	}
}

func TestDeduplicateContextFirstOccurrenceWins(t *testing.T) {
	messages := []string{"x", "y", "x"}
	got := DeduplicateContext(messages, 10)
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("expected first occurrence kept in order, got %v", got)
	}
}

func TestDeduplicateContextDefaults(t *testing.T) {
	if got := DeduplicateContext(nil, 0); len(got) != 0 {
		t.Fatalf("expected empty passthrough, got %v", got)
	}
	messages := []string{"only"}
	got := DeduplicateContext(messages, 0)
	if len(got) != 1 || got[0] != "only" {
		t.Fatalf("expected default window to apply, got %v", got)
	}
}

func TestOptimizeContextSizeWithinBudget(t *testing.T) {
	text := "short paragraph"
	if got := OptimizeContextSize(text, 1000); got != text {
		t.Fatalf("context within budget must be unchanged")
	}
}

func TestOptimizeContextSizeNoCap(t *testing.T) {
	text := strings.Repeat("oversized content ", 50)
	// A non-positive budget disables the cap instead of emptying the block.
	for _, max := range []int{0, -1} {
		if got := OptimizeContextSize(text, max); got != text {
			t.Fatalf("maxTokens %d must leave the context unchanged", max)
		}
	}
}

func TestOptimizeContextSizeKeepsRecentParagraphs(t *testing.T) {
	old := strings.Repeat("old content here ", 20)    // ~85 tokens
	middle := strings.Repeat("middle content ", 20)   // ~75 tokens
	recent := strings.Repeat("recent content ", 20)   // ~75 tokens
	text := old + "\n\n" + middle + "\n\n" + recent

	got := OptimizeContextSize(text, 100)
	if !strings.Contains(got, "recent content") {
		t.Fatalf("the most recent paragraph must survive")
	}
	if strings.Contains(got, "old content") {
		t.Fatalf("the oldest paragraph must be dropped first")
	}
	if estimateTokens(got) > 100+1 {
		t.Fatalf("result exceeds budget: %d tokens", estimateTokens(got))
	}
}

func TestOptimizeContextSizePartialBoundary(t *testing.T) {
	older := strings.Repeat("boundary words go here ", 30)
	recent := strings.Repeat("fresh ", 10) // ~15 tokens
	text := older + "\n\n" + recent

	got := OptimizeContextSize(text, 60)
	parts := strings.Split(got, "\n\n")
	if len(parts) != 2 {
		t.Fatalf("expected a partial boundary paragraph plus the recent one, got %d parts", len(parts))
	}
	// Original order is restored: the truncated boundary comes first.
	if !strings.Contains(parts[0], "boundary words") {
		t.Fatalf("expected truncated boundary paragraph first, got %q", parts[0])
	}
	if !strings.Contains(parts[1], "fresh") {
		t.Fatalf("expected recent paragraph last, got %q", parts[1])
	}
}

func TestOptimizeContextSizeDropsBoundaryUnderThreshold(t *testing.T) {
	older := strings.Repeat("discard me entirely ", 30)
	recent := strings.Repeat("keep ", 36) // ~45 tokens
	text := older + "\n\n" + recent

	// 50 token budget: recent costs ~45, leaving <20 for the boundary.
	got := OptimizeContextSize(text, 50)
	if strings.Contains(got, "discard me") {
		t.Fatalf("boundary paragraph must be dropped when under %d tokens remain", minPartialTokens)
	}
	if !strings.Contains(got, "keep") {
		t.Fatalf("recent paragraph must survive")
	}
}
