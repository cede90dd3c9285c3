package router

import (
	"strings"

	"github.com/ocx/gateway/internal/core"
)

// depthKeywords promote a query one complexity band when present.
var depthKeywords = []string{
	"explain", "analyze", "analyse", "research", "compare",
	"in depth", "step by step", "comprehensive",
}

// Classify derives the complexity class from cheap text heuristics: word
// count bands plus depth keywords. Research requests never classify below
// standard.
func Classify(task core.TaskType, text string) core.ComplexityClass {
	words := len(strings.Fields(text))
	lower := strings.ToLower(text)

	band := 0
	switch {
	case words >= 60:
		band = 2
	case words >= 12:
		band = 1
	}

	for _, kw := range depthKeywords {
		if strings.Contains(lower, kw) {
			band++
			break
		}
	}

	if task == core.TaskResearch && band < 1 {
		band = 1
	}

	switch {
	case band >= 2:
		return core.ComplexityDetailed
	case band == 1:
		return core.ComplexityStandard
	default:
		return core.ComplexityUltraFast
	}
}
