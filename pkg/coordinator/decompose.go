package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/pkg/llm"
	"github.com/hivemind-dev/hivemind/pkg/models"
	"github.com/hivemind-dev/hivemind/pkg/roles"
)

const decompositionPrompt = `Split the following task into a JSON array of short, self-contained subtask strings. Respond with the JSON array only, no prose.

Task: %s`

// ParseDecomposition strictly parses the backend reply as a JSON array
// of strings. Anything else, including an empty array, falls back to a
// single subtask carrying the original text; ok reports whether the
// reply parsed.
func ParseDecomposition(reply, original string) (texts []string, ok bool) {
	trimmed := strings.TrimSpace(reply)
	if body, found := extractFencedJSON(trimmed); found {
		trimmed = body
	}

	var parsed []string
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return []string{original}, false
	}
	cleaned := make([]string, 0, len(parsed))
	for _, t := range parsed {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return []string{original}, false
	}
	return cleaned, true
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\n(.*?)```")

func extractFencedJSON(reply string) (string, bool) {
	m := fencedJSONPattern.FindStringSubmatch(reply)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// orderingKeywords make a subtask depend on its predecessor.
var orderingKeywords = []string{
	"then", "after", "using", "based on", "previous", "above", "from the analysis",
}

// indexRefPattern catches explicit references like "step 2" or
// "subtask 1" (1-based).
var indexRefPattern = regexp.MustCompile(`(?i)\b(?:step|subtask|task)\s+(\d+)\b`)

// inferDependencies derives the dependency sets from the subtask
// texts: ordering keywords chain a subtask to its predecessor, and
// explicit index references add direct edges.
func inferDependencies(texts []string) [][]int {
	deps := make([][]int, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		seen := make(map[int]bool)

		if i > 0 {
			for _, kw := range orderingKeywords {
				if strings.Contains(lower, kw) {
					deps[i] = append(deps[i], i-1)
					seen[i-1] = true
					break
				}
			}
		}
		for _, m := range indexRefPattern.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			ref := n - 1
			if ref >= 0 && ref < i && !seen[ref] {
				deps[i] = append(deps[i], ref)
				seen[ref] = true
			}
		}
	}
	return deps
}

// dropCycles runs Kahn's topological sort over the dependency graph
// and removes every edge that keeps a node unreachable. Returns the
// dropped edges as "from->to" descriptions for session warnings.
func dropCycles(deps [][]int) (cleaned [][]int, dropped []string) {
	n := len(deps)
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for node, ds := range deps {
		for _, d := range ds {
			indegree[node]++
			dependents[d] = append(dependents[d], node)
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	processed := make([]bool, n)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed[node] = true
		for _, dep := range dependents[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	cleaned = make([][]int, n)
	for node, ds := range deps {
		if processed[node] {
			cleaned[node] = ds
			continue
		}
		// Node is on a cycle: keep edges into processed nodes, drop
		// the rest.
		for _, d := range ds {
			if processed[d] {
				cleaned[node] = append(cleaned[node], d)
			} else {
				dropped = append(dropped, fmt.Sprintf("%d->%d", d, node))
			}
		}
	}
	return cleaned, dropped
}

// decompose asks the backend to split the task and builds the subtask
// graph: inferred dependencies, assigned roles, correlation ids, and
// the optional default deadline. Returned warnings cover parse
// fallback and dropped cycle edges.
func decompose(ctx context.Context, client llm.Client, model, sessionID, task string, deadline time.Duration) ([]*models.Subtask, []string, error) {
	reply, err := client.Chat(ctx, model, []llm.ChatMessage{
		{Role: llm.RoleUser, Content: fmt.Sprintf(decompositionPrompt, task)},
	})

	var warnings []string
	var texts []string
	if err != nil {
		// A failed decomposition call degrades like a malformed reply.
		texts = []string{task}
		warnings = append(warnings, fmt.Sprintf("decomposition call failed, running task as a single subtask: %v", err))
	} else {
		var ok bool
		texts, ok = ParseDecomposition(reply, task)
		if !ok {
			warnings = append(warnings, "decomposition reply was not a JSON array of strings, running task as a single subtask")
		}
	}

	deps := inferDependencies(texts)
	deps, droppedEdges := dropCycles(deps)
	if len(droppedEdges) > 0 {
		warnings = append(warnings, fmt.Sprintf("dependency cycle detected, dropped edges: %s", strings.Join(droppedEdges, ", ")))
	}

	subtasks := make([]*models.Subtask, len(texts))
	for i, text := range texts {
		st := &models.Subtask{
			ID:          i,
			SessionID:   sessionID,
			Text:        text,
			Role:        roles.Assign(text),
			State:       models.SubtaskStatePending,
			Deps:        deps[i],
			Correlation: uuid.NewString(),
		}
		if deadline > 0 {
			d := time.Now().Add(deadline)
			st.Deadline = &d
		}
		subtasks[i] = st
	}
	return subtasks, warnings, nil
}
