package planning

import (
	"sort"

	"github.com/veldtlabs/veldt/pkg/core"
)

// MaxAgentCandidates caps how many agents selection may return.
const MaxAgentCandidates = 3

type scoredCandidate struct {
	candidate core.AgentCandidate
	score     float64
}

// SelectAgents filters candidates to those declaring every required
// capability, scores them, and returns at most MaxAgentCandidates in a fully
// deterministic order: score descending, then cost per token ascending, then
// name ascending. Identical inputs always yield identical output ordering.
func SelectAgents(candidates []core.AgentCandidate, required []string) []core.AgentCandidate {
	survivors := make([]scoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		if !cand.HasCapabilities(required) {
			continue
		}
		survivors = append(survivors, scoredCandidate{
			candidate: cand,
			score:     capabilityScore(cand, required),
		})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.candidate.CostPerToken != b.candidate.CostPerToken {
			return a.candidate.CostPerToken < b.candidate.CostPerToken
		}
		if a.candidate.Name != b.candidate.Name {
			return a.candidate.Name < b.candidate.Name
		}
		return a.candidate.AgentID < b.candidate.AgentID
	})

	if len(survivors) > MaxAgentCandidates {
		survivors = survivors[:MaxAgentCandidates]
	}
	out := make([]core.AgentCandidate, len(survivors))
	for i, s := range survivors {
		out[i] = s.candidate
	}
	return out
}

// capabilityScore is matched/|required|, or 1 when nothing is required.
// Survivors of the superset filter always score 1; the general form is kept
// so scoring stays meaningful if the filter policy ever loosens.
func capabilityScore(cand core.AgentCandidate, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	declared := make(map[string]bool, len(cand.Capabilities))
	for _, cap := range cand.Capabilities {
		declared[cap] = true
	}
	matched := 0
	for _, req := range required {
		if declared[req] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}
