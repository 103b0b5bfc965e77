package llm

import "strings"

// TaskCategory selects the default family and fallback order of a call.
type TaskCategory string

const (
	TaskMVPGeneration    TaskCategory = "mvp_generation"
	TaskCodeEdit         TaskCategory = "code_edit"
	TaskIdeaValidation   TaskCategory = "idea_validation"
	TaskMarketResearch   TaskCategory = "market_research"
	TaskBusinessPlanning TaskCategory = "business_planning"
	TaskPitchDeck        TaskCategory = "pitch_deck"
	TaskChat             TaskCategory = "chat"
	TaskGeneral          TaskCategory = "general"
)

// AllTasks lists every task category.
var AllTasks = []TaskCategory{
	TaskMVPGeneration, TaskCodeEdit, TaskIdeaValidation, TaskMarketResearch,
	TaskBusinessPlanning, TaskPitchDeck, TaskChat, TaskGeneral,
}

// ParseTask returns the category named s, or TaskGeneral.
func ParseTask(s string) TaskCategory {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllTasks {
		if string(t) == s {
			return t
		}
	}
	return TaskGeneral
}

// IsCodeTask reports whether t produces source code.
func (t TaskCategory) IsCodeTask() bool {
	return t == TaskMVPGeneration || t == TaskCodeEdit
}

// TaskFromAgent infers a category from an agent name such as "mvp_builder".
func TaskFromAgent(agent string, isEdit bool) TaskCategory {
	a := strings.ToLower(agent)
	switch {
	case strings.Contains(a, "mvp") || strings.Contains(a, "builder"):
		return TaskMVPGeneration
	case strings.Contains(a, "idea") || strings.Contains(a, "validation"):
		return TaskIdeaValidation
	case strings.Contains(a, "market") || strings.Contains(a, "research"):
		return TaskMarketResearch
	case strings.Contains(a, "business") || strings.Contains(a, "planning"):
		return TaskBusinessPlanning
	case strings.Contains(a, "pitch") || strings.Contains(a, "deck"):
		return TaskPitchDeck
	}
	if isEdit {
		return TaskCodeEdit
	}
	return TaskGeneral
}

// RoutingConfig holds the primary/fallback overrides and per-task chains.
type RoutingConfig struct {
	// CodePrimary leads the chain of code tasks (MVP_PRIMARY_MODEL).
	CodePrimary string `yaml:"code_primary"`

	// GeneralPrimary leads the chain of every other task (GENERAL_PRIMARY_MODEL).
	GeneralPrimary string `yaml:"general_primary"`

	// Fallback is tried after both primaries (FALLBACK_MODEL).
	Fallback string `yaml:"fallback"`

	// Chains overrides the recommended family order per task category.
	Chains map[TaskCategory][]string `yaml:"chains"`
}

// DefaultRouting returns the built-in routing table.
func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		CodePrimary:    FamilyMiniMax,
		GeneralPrimary: FamilyGroq,
		Fallback:       FamilyKimi,
	}
}

func recommendedChain(task TaskCategory) []string {
	switch task {
	case TaskMVPGeneration, TaskCodeEdit:
		return []string{FamilyMiniMax, FamilyGroq, FamilyKimi}
	case TaskMarketResearch, TaskChat:
		return []string{FamilyGroq, FamilyKimi, FamilyMiniMax}
	default:
		return []string{FamilyGroq, FamilyMiniMax, FamilyKimi}
	}
}

// Chain returns the ordered, duplicate-free list of families to try for a
// call. The explicit family always comes first. A configured chain for the
// task is used as-is after it; otherwise the task primary, secondary and
// fallback are followed by the rest of the recommended chain.
func (r RoutingConfig) Chain(task TaskCategory, explicit string) []string {
	var candidates []string
	if custom, ok := r.Chains[task]; ok && len(custom) > 0 {
		candidates = append([]string{explicit}, custom...)
	} else {
		primary, secondary := r.GeneralPrimary, r.CodePrimary
		if task.IsCodeTask() {
			primary, secondary = r.CodePrimary, r.GeneralPrimary
		}
		candidates = append([]string{explicit, primary, secondary, r.Fallback}, recommendedChain(task)...)
	}

	seen := make(map[string]bool, len(candidates))
	chain := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		chain = append(chain, c)
	}
	return chain
}
