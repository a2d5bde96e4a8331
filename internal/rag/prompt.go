package rag

import (
	"fmt"
	"strings"

	"github.com/wearecity/citykb/internal/retrieve"
)

// systemPrompt frames the model as a municipal knowledge assistant and
// pins the citation behaviour.
const systemPrompt = `You are a knowledgeable assistant for city residents. Answer questions using the local knowledge sources provided in the context below.

Rules:
- Prefer the provided context over general knowledge. When you use a context passage, cite it inline with its source tag, e.g. [source 1234].
- If the context does not cover the question, say so briefly and answer from general knowledge.
- Be concise and practical. Do not invent local facts such as addresses, opening hours, or fees that the context does not state.`

// buildPrompt assembles the bounded prompt: system framing, capped
// history, retrieved context tagged by source, then the question.
func buildPrompt(history []Turn, matches []retrieve.Match, question string) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\n")

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range history {
			role := "User"
			if t.Role == "assistant" {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, t.Content)
		}
		b.WriteString("\n")
	}

	if len(matches) > 0 {
		b.WriteString("Context:\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "[source %s: %s]\n%s\n\n", m.SourceID, m.SourceTitle, m.Chunk.Content)
		}
	} else {
		b.WriteString("Context: no local knowledge sources matched this question.\n\n")
	}

	fmt.Fprintf(&b, "Question: %s\nAnswer:", question)
	return b.String()
}
