package compressor

import (
	"context"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

const forcedNotice = "\n... [content truncated] ...\n"

// hardTruncate cuts text to head + notice + tail runes when it is longer than
// head+tail.
func hardTruncate(text string, head, tail int) string {
	runes := []rune(text)
	if len(runes) <= head+tail {
		return text
	}
	return string(runes[:head]) + forcedNotice + string(runes[len(runes)-tail:])
}

// forceCompress is the phase-3 ladder. Each rung is more destructive than the
// last; the ladder stops as soon as the messages fit the target.
func (c *Compressor) forceCompress(ctx context.Context, msgs []llmtypes.Message, target int) []llmtypes.Message {
	log := logger.G(ctx)
	log.Warn("entering forced compression")

	// (a) aggressively truncate long non-system content.
	msgs = truncateAll(msgs, 300, 100, false)
	if c.counter.CountMessages(msgs) <= target {
		return msgs
	}

	// (b) drop middle messages one at a time, preserving the first two and
	// last three conversation messages.
	for {
		conv := splitConversation(msgs)
		if len(conv) <= 5 {
			break
		}
		dropIdx := conv[2]
		msgs = append(msgs[:dropIdx:dropIdx], msgs[dropIdx+1:]...)
		if c.counter.CountMessages(msgs) <= target {
			return msgs
		}
	}

	// (c) shrink surviving content further.
	msgs = truncateAll(msgs, 150, 50, false)
	if c.counter.CountMessages(msgs) <= target {
		return msgs
	}

	// (d) system messages are no longer sacred.
	msgs = truncateAll(msgs, 150, 50, true)
	if c.counter.CountMessages(msgs) <= target {
		return msgs
	}

	// (e) last resort: keep only the first and last conversation messages.
	conv := splitConversation(msgs)
	if len(conv) > 2 {
		keep := map[int]bool{conv[0]: true, conv[len(conv)-1]: true}
		out := msgs[:0:0]
		for i, m := range msgs {
			if m.Role == llmtypes.RoleSystem || keep[i] {
				out = append(out, m)
			}
		}
		msgs = out
	}
	msgs = truncateAll(msgs, 150, 50, true)
	return msgs
}

// truncateAll hard-truncates message content over 500 runes. System messages
// are skipped unless includeSystem is set.
func truncateAll(msgs []llmtypes.Message, head, tail int, includeSystem bool) []llmtypes.Message {
	out := make([]llmtypes.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Role == llmtypes.RoleSystem && !includeSystem {
			continue
		}
		text := m.Text()
		if len([]rune(text)) > 500 || len([]rune(text)) > head+tail {
			out[i] = m.WithText(hardTruncate(text, head, tail))
		}
	}
	return out
}
