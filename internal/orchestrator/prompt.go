package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ocx/gateway/internal/core"
	"github.com/ocx/gateway/internal/workflow"
)

// buildPrompt constructs the backend prompt for the synthesize node from the
// request shape and whatever retrieval produced.
func buildPrompt(st *workflow.GraphState) string {
	switch st.Req.TaskType {
	case core.TaskResearch:
		return buildResearchPrompt(st)
	default:
		return buildChatPrompt(st.Req)
	}
}

func buildChatPrompt(req *core.Request) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Answer the user's latest message.\n\n")

	for _, m := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(m.Role), m.Text)
	}
	fmt.Fprintf(&b, "USER: %s\nASSISTANT:", req.Message)
	return b.String()
}

func buildResearchPrompt(st *workflow.GraphState) string {
	var b strings.Builder
	b.WriteString("You are a research assistant. Write a structured synthesis answering the question below, citing sources as [n].\n\n")
	fmt.Fprintf(&b, "Question: %s\n", st.Req.Question)

	if len(st.Results) > 0 {
		b.WriteString("\nSources:\n")
		for i, r := range st.Results {
			fmt.Fprintf(&b, "[%d] %s — %s\n    %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
	}

	// A critic verdict from an earlier round steers the rewrite.
	if st.CriticVerdict == "insufficient" && st.Answer != "" {
		b.WriteString("\nA reviewer judged the previous draft insufficient. Improve coverage and precision. Previous draft:\n")
		b.WriteString(st.Answer)
		b.WriteString("\n")
	}

	b.WriteString("\nSynthesis:")
	return b.String()
}

// buildCriticPrompt asks a second model to judge the draft. The critic must
// answer with a single verdict word so parsing stays trivial.
func buildCriticPrompt(st *workflow.GraphState) string {
	var b strings.Builder
	b.WriteString("You are a strict reviewer. Judge whether the draft fully answers the question using the cited sources.\n")
	b.WriteString("Reply with exactly one word: SUFFICIENT or INSUFFICIENT.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nDraft:\n%s\n\nVerdict:", st.Req.Question, st.Answer)
	return b.String()
}
