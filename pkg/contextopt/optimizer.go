// Package contextopt shrinks conversational context to fit a token budget:
// hash-based deduplication inside a trailing window, and newest-first
// paragraph truncation for oversized context blocks.
package contextopt

import (
	"hash/fnv"
	"regexp"
	"strings"
)

// DefaultWindowSize is the trailing window inspected for duplicates.
const DefaultWindowSize = 20

// minPartialTokens is the smallest leftover budget worth filling with a
// partial paragraph; below it the boundary paragraph is dropped whole.
const minPartialTokens = 20

var paragraphPattern = regexp.MustCompile(`\n[ \t]*\n`)

// estimateTokens approximates tokens as ceil(len/4).
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// DeduplicateContext removes duplicate messages inside the trailing window.
// Messages before the window are passed through untouched and in order; they
// are considered already summarized upstream. Within the window each message
// is hashed with 64-bit FNV-1a and only the first occurrence of each hash is
// kept, preserving relative order.
func DeduplicateContext(messages []string, windowSize int) []string {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if len(messages) == 0 {
		return messages
	}

	windowStart := len(messages) - windowSize
	if windowStart < 0 {
		windowStart = 0
	}

	out := make([]string, 0, len(messages))
	out = append(out, messages[:windowStart]...)

	seen := make(map[uint64]bool, windowSize)
	for _, msg := range messages[windowStart:] {
		h := fnv.New64a()
		h.Write([]byte(msg))
		sum := h.Sum64()
		if seen[sum] {
			continue
		}
		seen[sum] = true
		out = append(out, msg)
	}
	return out
}

// OptimizeContextSize fits a context block into maxTokens. Context already
// within budget is returned unchanged. Otherwise the block is split on
// blank-line paragraph boundaries and paragraphs are accumulated from the
// most recent backwards until the budget is spent; the boundary paragraph is
// partially kept by word-level truncation only when at least minPartialTokens
// of budget remain, and dropped entirely otherwise. Kept paragraphs are
// re-joined in original order. A non-positive maxTokens means no cap: the
// context is returned unchanged rather than emptied, since a caller without
// a configured budget wants the block intact.
func OptimizeContextSize(context string, maxTokens int) string {
	if maxTokens <= 0 || estimateTokens(context) <= maxTokens {
		return context
	}

	paragraphs := splitParagraphs(context)
	remaining := maxTokens
	kept := make([]string, 0, len(paragraphs))

	for i := len(paragraphs) - 1; i >= 0; i-- {
		p := paragraphs[i]
		cost := estimateTokens(p)
		if cost <= remaining {
			kept = append(kept, p)
			remaining -= cost
			continue
		}
		if remaining >= minPartialTokens {
			if partial := truncateWords(p, remaining); partial != "" {
				kept = append(kept, partial)
			}
		}
		break
	}

	// Accumulation ran newest-first; restore original order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n\n")
}

func splitParagraphs(text string) []string {
	parts := paragraphPattern.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// truncateWords keeps the trailing words of a paragraph that fit the budget;
// the tail is closest to the recent context being preserved.
func truncateWords(paragraph string, budget int) string {
	words := strings.Fields(paragraph)
	kept := make([]string, 0, len(words))
	size := 0
	for i := len(words) - 1; i >= 0; i-- {
		// +1 for the joining space.
		next := size + len(words[i]) + 1
		if (next+3)/4 > budget {
			break
		}
		kept = append(kept, words[i])
		size = next
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, " ")
}
