package gemini

import (
	"strconv"
	"strings"
)

// MaxThinkingBudget is the largest accepted reasoning budget.
const MaxThinkingBudget = 24576

const defaultThinkingBudget = 1024

// ThinkingBudget maps a named level or a numeric string to a token budget.
// Numbers are clamped to [0, MaxThinkingBudget]; anything else is "low".
func ThinkingBudget(level string) int {
	switch strings.TrimSpace(level) {
	case "minimal":
		return 128
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return MaxThinkingBudget
	}
	n, err := strconv.Atoi(strings.TrimSpace(level))
	if err != nil {
		return defaultThinkingBudget
	}
	return min(max(n, 0), MaxThinkingBudget)
}

// SupportsThinking reports whether model accepts a thinking budget.
func SupportsThinking(model string) bool {
	name := strings.TrimPrefix(model, "models/")
	return strings.HasPrefix(name, "gemini-2.5") || strings.HasPrefix(name, "gemini-3")
}
