// Package roles maps a task description to a role tag by keyword
// scoring. The mapping is pure and deterministic: the keyword table is
// data, and ties break by a fixed priority order.
package roles

import (
	"strings"

	"github.com/hivemind-dev/hivemind/pkg/models"
)

// keywordTable scores one point per keyword occurrence. Matching is
// case-insensitive on word boundaries approximated by substring scan
// of the lowercased text.
var keywordTable = map[models.Role][]string{
	models.RoleDeveloper: {
		"code", "implement", "program", "function", "class", "api",
		"bug", "fix", "refactor", "script", "write", "develop",
		"build", "compile", "test", "debug", "library", "module",
	},
	models.RoleITArchitect: {
		"architecture", "design", "infrastructure", "deploy",
		"system", "scalab", "integration", "microservice", "network",
		"cloud", "docker", "kubernetes", "topology", "diagram",
	},
	models.RoleDataScientist: {
		"data", "model", "train", "dataset", "statistic", "predict",
		"machine learning", "ml", "analytic", "regression",
		"classification", "cluster", "feature", "neural",
	},
	models.RoleAnalyst: {
		"analyze", "analysis", "report", "requirement", "research",
		"evaluate", "review", "summary", "summarize", "compare",
		"assess", "document", "investigate",
	},
}

// Assign returns the highest-scoring role for the text. Ties break in
// AllRoles order; a zero score for every role yields generic.
func Assign(text string) models.Role {
	lower := strings.ToLower(text)

	best := models.RoleGeneric
	bestScore := 0
	for _, role := range models.AllRoles {
		score := 0
		for _, kw := range keywordTable[role] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best = role
			bestScore = score
		}
	}
	return best
}

// PromptPrefix returns the role's perspective line prepended to worker
// prompts.
func PromptPrefix(role models.Role) string {
	switch role {
	case models.RoleDeveloper:
		return "You are a software developer. Write working, idiomatic code."
	case models.RoleITArchitect:
		return "You are an IT architect. Focus on system design and integration."
	case models.RoleDataScientist:
		return "You are a data scientist. Ground conclusions in the data."
	case models.RoleAnalyst:
		return "You are an analyst. Be precise, structured, and concise."
	default:
		return "You are a capable general-purpose assistant."
	}
}
