package capability

import (
	"fmt"
	"strings"

	"github.com/veldtlabs/veldt/pkg/core"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Stable issue codes. Callers branch on these; never change them.
const (
	CodeMissingPrerequisite  = "CAPABILITY_MISSING_PREREQUISITE"
	CodeForbiddenCombination = "CAPABILITY_FORBIDDEN_COMBINATION"
	CodeUnknownCapability    = "CAPABILITY_UNKNOWN"
	CodeSkillNotGranted      = "SKILL_CAPABILITY_NOT_GRANTED"
	CodeHiddenEscalation     = "CAPABILITY_HIDDEN_ESCALATION"
	CodeDuplicateSkill       = "SKILL_DUPLICATE_ID"
	CodeToolNameCollision    = "TOOL_NAME_COLLISION"
	CodeSignatureMissing     = "SKILL_SIGNATURE_MISSING"
)

// Issue is one structured validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of a validation pass. Allowed is true iff no issue
// has error severity. Escalations lists declared capabilities whose catalog
// entry is marked dangerous; they are not errors but require user approval
// upstream.
type Result struct {
	Allowed     bool     `json:"allowed"`
	Issues      []Issue  `json:"issues"`
	Escalations []string `json:"escalations,omitempty"`
}

// Enforce validates an agent's declared capability set against the catalog:
// forbidden pairs, missing one-hop prerequisites, skill requirement subsets,
// and tool-level requirements smuggled in below the skill level. It is a
// fail-closed gate run before any execution, not a runtime filter.
func Enforce(agent *core.AgentDefinition, catalog *Catalog) Result {
	declared := agent.CapabilitySet()
	var issues []Issue
	var escalations []string

	for _, capName := range agent.Capabilities {
		def, known := catalog.Get(capName)
		if !known {
			issues = append(issues, Issue{
				Code:     CodeUnknownCapability,
				Field:    "capabilities",
				Message:  fmt.Sprintf("capability %q is not in the catalog", capName),
				Severity: SeverityWarning,
			})
			continue
		}
		for _, forbidden := range def.ForbiddenWith {
			if declared[forbidden] {
				issues = append(issues, Issue{
					Code:     CodeForbiddenCombination,
					Field:    "capabilities",
					Message:  fmt.Sprintf("capability %q cannot be combined with %q", capName, forbidden),
					Severity: SeverityError,
				})
			}
		}
		// Prerequisites are checked one hop deep only: a prerequisite's own
		// prerequisites are validated when that capability is itself declared.
		for _, prereq := range def.Requires {
			if !declared[prereq] {
				issues = append(issues, Issue{
					Code:     CodeMissingPrerequisite,
					Field:    "capabilities",
					Message:  fmt.Sprintf("capability %q requires %q which is not declared", capName, prereq),
					Severity: SeverityError,
				})
			}
		}
		if def.DangerousPermission {
			escalations = append(escalations, capName)
		}
	}

	for _, skill := range agent.Skills {
		issues = append(issues, skillIssues(skill, declared)...)
	}

	issues = dedupeIssues(issues)
	return Result{
		Allowed:     !hasError(issues),
		Issues:      issues,
		Escalations: escalations,
	}
}

// ValidateSkillAttachment runs the pre-attachment checks for adding a skill
// to an agent: the capability subset rules plus duplicate skill ids, tool
// name collisions against the agent's existing tools and skills, and
// signature presence.
func ValidateSkillAttachment(agent *core.AgentDefinition, skill *core.SkillDefinition) Result {
	declared := agent.CapabilitySet()
	var issues []Issue

	for _, existing := range agent.Skills {
		if existing.ID == skill.ID {
			issues = append(issues, Issue{
				Code:     CodeDuplicateSkill,
				Field:    "skills",
				Message:  fmt.Sprintf("skill %q is already attached", skill.ID),
				Severity: SeverityError,
			})
			break
		}
	}

	taken := make(map[string]string)
	for _, tool := range agent.Tools {
		taken[tool.Name] = "agent"
	}
	for _, existing := range agent.Skills {
		for _, tool := range existing.Tools {
			taken[tool.Name] = fmt.Sprintf("skill %q", existing.ID)
		}
	}
	for _, tool := range skill.Tools {
		if owner, exists := taken[tool.Name]; exists {
			issues = append(issues, Issue{
				Code:     CodeToolNameCollision,
				Field:    fmt.Sprintf("skills.%s.tools", skill.ID),
				Message:  fmt.Sprintf("tool name %q already provided by %s", tool.Name, owner),
				Severity: SeverityError,
			})
		}
	}

	if strings.TrimSpace(skill.Signature) == "" {
		issues = append(issues, Issue{
			Code:     CodeSignatureMissing,
			Field:    fmt.Sprintf("skills.%s.signature", skill.ID),
			Message:  fmt.Sprintf("skill %q carries no signature", skill.ID),
			Severity: SeverityError,
		})
	}

	issues = append(issues, skillIssues(*skill, declared)...)

	issues = dedupeIssues(issues)
	return Result{Allowed: !hasError(issues), Issues: issues}
}

// skillIssues flags skill-level requirements absent from the agent set and,
// distinctly, tool-level requirements nested inside the skill. The separate
// hidden-escalation code catches capability demands smuggled in below the
// skill declaration.
func skillIssues(skill core.SkillDefinition, declared map[string]bool) []Issue {
	var issues []Issue
	for _, req := range skill.RequiredCapabilities {
		if !declared[req] {
			issues = append(issues, Issue{
				Code:     CodeSkillNotGranted,
				Field:    fmt.Sprintf("skills.%s", skill.ID),
				Message:  fmt.Sprintf("skill %q requires capability %q which the agent does not declare", skill.ID, req),
				Severity: SeverityError,
			})
		}
	}
	for _, tool := range skill.Tools {
		for _, req := range tool.RequiredCapabilities {
			if !declared[req] {
				issues = append(issues, Issue{
					Code:     CodeHiddenEscalation,
					Field:    fmt.Sprintf("skills.%s.tools.%s", skill.ID, tool.Name),
					Message:  fmt.Sprintf("tool %q requires capability %q which the agent does not declare", tool.Name, req),
					Severity: SeverityError,
				})
			}
		}
	}
	return issues
}

func dedupeIssues(issues []Issue) []Issue {
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, issue := range issues {
		key := issue.Code + "\x00" + issue.Field + "\x00" + issue.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, issue)
	}
	return out
}

func hasError(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}
