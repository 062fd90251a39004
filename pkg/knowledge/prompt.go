package knowledge

import (
	"fmt"
	"strings"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// DefaultMaxExtractedTextLength caps total injected attachment and
// knowledge-base text.
const DefaultMaxExtractedTextLength = 100000

// truncationMarker is appended when a block is cut at a budget boundary.
const truncationMarker = "\n(truncated...)"

// minTruncatedRemainder is the smallest slice worth keeping when truncating
// on a budget boundary.
const minTruncatedRemainder = 100

// KBBlock is one knowledge base's contribution to the prompt.
type KBBlock struct {
	KBID    string
	Name    string
	Content string
}

// PromptMode selects how strongly the system prompt binds the model to
// retrieved content.
type PromptMode string

const (
	// ModeStrict forces answers exclusively from retrieved KB content.
	ModeStrict PromptMode = "strict"
	// ModeRelaxed allows general knowledge as a fallback.
	ModeRelaxed PromptMode = "relaxed"
	// ModeExploration is used when no KB has RAG enabled.
	ModeExploration PromptMode = "exploration"
)

// SelectPromptMode picks the KB prompt mode: explicit selection for the
// current message is strict, KBs inherited from the task are relaxed, and
// when no KB has RAG enabled only exploration tools are offered.
func SelectPromptMode(explicitlySelected bool, anyRAGEnabled bool) PromptMode {
	if !anyRAGEnabled {
		return ModeExploration
	}
	if explicitlySelected {
		return ModeStrict
	}
	return ModeRelaxed
}

// BuildUserContent assembles the user-facing message as ordered blocks:
// attachments (images first, then document text), knowledge bases, then the
// raw user text. Attachments consume the text budget first; knowledge bases
// divide the remainder evenly.
func BuildUserContent(attachments []chattypes.Context, kbs []KBBlock, userText string, maxLen int) []llmtypes.ContentPart {
	if maxLen <= 0 {
		maxLen = DefaultMaxExtractedTextLength
	}

	parts := []llmtypes.ContentPart{}

	// Images first, each with a metadata header and a vision part.
	var docTexts []string
	for _, att := range attachments {
		if att.ImageBase64 != "" {
			header := fmt.Sprintf("[Image: %s (%s)]", att.OriginalFilename, att.MimeType)
			parts = append(parts,
				llmtypes.ContentPart{Type: "text", Text: header},
				llmtypes.ContentPart{Type: "image", ImageBase64: att.ImageBase64, MimeType: att.MimeType},
			)
			continue
		}
		if att.ExtractedText != "" {
			docTexts = append(docTexts, fmt.Sprintf("File Content: %s\n%s", att.OriginalFilename, att.ExtractedText))
		}
	}

	remaining := maxLen
	if len(docTexts) > 0 {
		block := "<attachment>\n" + strings.Join(docTexts, "\n\n") + "\n</attachment>"
		block, used := truncateToBudget(block, remaining)
		remaining -= used
		if block != "" {
			parts = append(parts, llmtypes.ContentPart{Type: "text", Text: block})
		}
	}

	if len(kbs) > 0 && remaining > 0 {
		perKB := remaining / len(kbs)
		var kbTexts []string
		for _, kb := range kbs {
			if kb.Content == "" {
				continue
			}
			tagged := fmt.Sprintf("[Knowledge Base: %s (ID: %s)]\n%s", kb.Name, kb.KBID, kb.Content)
			tagged, used := truncateToBudget(tagged, perKB)
			remaining -= used
			if tagged != "" {
				kbTexts = append(kbTexts, tagged)
			}
		}
		if len(kbTexts) > 0 {
			parts = append(parts, llmtypes.ContentPart{
				Type: "text",
				Text: "<knowledge_base>\n" + strings.Join(kbTexts, "\n\n") + "\n</knowledge_base>",
			})
		}
	}

	parts = append(parts, llmtypes.ContentPart{Type: "text", Text: userText})
	return parts
}

// truncateToBudget cuts text at the budget boundary, appending the truncation
// marker only when at least minTruncatedRemainder characters survive. Returns
// the (possibly empty) text and the budget consumed.
func truncateToBudget(text string, budget int) (string, int) {
	if len(text) <= budget {
		return text, len(text)
	}
	if budget < minTruncatedRemainder {
		return "", 0
	}
	cut := budget - len(truncationMarker)
	if cut < minTruncatedRemainder {
		return "", 0
	}
	out := text[:cut] + truncationMarker
	return out, len(out)
}
