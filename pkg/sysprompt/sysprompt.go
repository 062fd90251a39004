// Package sysprompt assembles the system prompt: long-term memories first,
// then the base prompt, then the knowledge-base grounding clause.
package sysprompt

import (
	"strings"

	"github.com/fluxgate-ai/fluxgate/pkg/knowledge"
	"github.com/fluxgate-ai/fluxgate/pkg/memory"
)

const basePrompt = `You are a helpful assistant for a team workspace. Answer clearly and concisely. Use the available tools when they can improve your answer, and cite knowledge-base documents by name when you rely on them.`

const (
	strictClause = `Answer STRICTLY from the retrieved knowledge-base content provided in the conversation. If the retrieved content does not contain the answer, say so explicitly. Do not fall back to general knowledge.`

	relaxedClause = `Prefer the retrieved knowledge-base content provided in the conversation. If it does not cover the question, you may fall back to general knowledge, but say when you do.`

	explorationClause = `No knowledge base is available for retrieval in this conversation. Use the knowledge-base exploration tools (list and head) to inspect documents before answering questions about them.`
)

// Params selects the prompt variants.
type Params struct {
	// Memories are rendered ahead of the base prompt.
	Memories []memory.Record
	// KBMode is set when knowledge bases are attached to the turn.
	KBMode knowledge.PromptMode
	// HasKB controls whether a grounding clause is emitted at all.
	HasKB bool
}

// Build assembles the system prompt.
func Build(params Params) string {
	var sections []string
	if block := memory.RenderBlock(params.Memories); block != "" {
		sections = append(sections, block)
	}
	sections = append(sections, basePrompt)
	if params.HasKB {
		switch params.KBMode {
		case knowledge.ModeStrict:
			sections = append(sections, strictClause)
		case knowledge.ModeRelaxed:
			sections = append(sections, relaxedClause)
		case knowledge.ModeExploration:
			sections = append(sections, explorationClause)
		}
	}
	return strings.Join(sections, "\n\n")
}
