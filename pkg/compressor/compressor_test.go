package compressor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

func TestResolveBudget(t *testing.T) {
	b := ResolveBudget("gpt-4", nil)
	assert.Equal(t, 8192, b.ContextWindow)
	assert.Equal(t, 4096, b.ReservedOutput)
	// 0.70 * (8192 - 4096)
	assert.Equal(t, 2867, b.TargetLimit())
	assert.Equal(t, 3686, b.TriggerLimit())

	b = ResolveBudget("gpt-4o-mini", nil)
	assert.Equal(t, 128000, b.ContextWindow)

	b = ResolveBudget("claude-sonnet-4", nil)
	assert.Equal(t, 200000, b.ContextWindow)

	b = ResolveBudget("mystery-model", nil)
	assert.Equal(t, conservativeDefault, b)
	assert.Equal(t, 0.85, b.TriggerRatio)

	override := &Budget{ContextWindow: 1000, ReservedOutput: 100, TriggerRatio: 0.9, TargetRatio: 0.7}
	assert.Equal(t, *override, ResolveBudget("gpt-4", override))
}

func makeConversation(turns int, filler string) []llmtypes.Message {
	msgs := []llmtypes.Message{{Role: llmtypes.RoleSystem, Content: "You are a helpful assistant."}}
	for i := range turns {
		msgs = append(msgs,
			llmtypes.Message{Role: llmtypes.RoleUser, Content: fmt.Sprintf("question %d: %s", i, filler)},
			llmtypes.Message{Role: llmtypes.RoleAssistant, Content: fmt.Sprintf("answer %d: %s", i, filler)},
		)
	}
	return msgs
}

func TestCompressIfNeededUnderTriggerIsVerbatim(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	msgs := makeConversation(2, "short")
	out := c.CompressIfNeeded(context.Background(), msgs)
	assert.Equal(t, msgs, out)
}

func TestCompressIfNeededGuarantee(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true, FirstMessages: 2, LastMessages: 10})
	msgs := makeConversation(30, strings.Repeat("lorem ipsum dolor sit amet ", 30))
	require.Greater(t, c.Counter().CountMessages(msgs), c.Budget().TriggerLimit())

	out := c.CompressIfNeeded(context.Background(), msgs)
	assert.LessOrEqual(t, c.Counter().CountMessages(out), c.Budget().TargetLimit())
}

func TestCompressKeepsFirstAndLastMessages(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true, FirstMessages: 2, LastMessages: 10})
	msgs := makeConversation(30, strings.Repeat("word ", 60))
	require.Greater(t, c.Counter().CountMessages(msgs), c.Budget().TriggerLimit())

	out := c.CompressIfNeeded(context.Background(), msgs)
	require.LessOrEqual(t, c.Counter().CountMessages(out), c.Budget().TargetLimit())

	// The first two and last ten conversation messages survive verbatim when
	// history truncation alone covers the deficit.
	conv := []llmtypes.Message{}
	for _, m := range out {
		if m.Role != llmtypes.RoleSystem {
			conv = append(conv, m)
		}
	}
	require.GreaterOrEqual(t, len(conv), 12)
	assert.Equal(t, msgs[1], conv[0])
	assert.Equal(t, msgs[2], conv[1])
	assert.Equal(t, msgs[len(msgs)-1], conv[len(conv)-1])
}

func TestCompressDisabled(t *testing.T) {
	c := New("gpt-4", Options{Enabled: false})
	msgs := makeConversation(50, strings.Repeat("x", 2000))
	out := c.CompressIfNeeded(context.Background(), msgs)
	assert.Equal(t, msgs, out)
}

func TestHistoryStrategyInsertsNote(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	s := newHistoryStrategy(c.Counter(), 1, 1)
	msgs := makeConversation(10, strings.Repeat("filler ", 50))

	out, details := s.Compress(msgs, 500)
	assert.Greater(t, details.TokensSaved, 0)
	assert.Greater(t, details.ItemsTruncated, 0)

	found := false
	for _, m := range out {
		if m.Role == llmtypes.RoleSystem && m.Content == truncationNote {
			found = true
		}
	}
	assert.True(t, found, "truncation note should replace the removed span")
	assert.Less(t, len(out), len(msgs))
}

func TestHistoryStrategyNothingRemovable(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	s := newHistoryStrategy(c.Counter(), 2, 10)
	msgs := makeConversation(5, "short") // 10 conversation messages, nothing in the middle

	potential, _ := s.EstimatePotential(msgs)
	assert.Equal(t, 0, potential)

	out, details := s.Compress(msgs, 100)
	assert.Equal(t, msgs, out)
	assert.Equal(t, 0, details.TokensSaved)
}

func TestAttachmentStrategyBinarySearch(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	s := newAttachmentStrategy(c.Counter(), 0)

	attachment := "<attachment>\n" + strings.Repeat("document content line\n", 400) + "</attachment>"
	msgs := []llmtypes.Message{
		{Role: llmtypes.RoleSystem, Content: "system"},
		{Role: llmtypes.RoleUser, Content: attachment},
		{Role: llmtypes.RoleAssistant, Content: "noted"},
	}

	potential, floor := s.EstimatePotential(msgs)
	assert.Greater(t, potential, 0)
	assert.Equal(t, 0.02, floor)

	budget := potential / 2
	out, details := s.Compress(msgs, budget)
	assert.GreaterOrEqual(t, details.TokensSaved, budget)
	assert.Contains(t, out[1].Content, "truncated")
	// Head and tail of the block survive.
	assert.True(t, strings.HasPrefix(out[1].Content, "<attachment>"))
	assert.True(t, strings.HasSuffix(out[1].Content, "</attachment>"))
	// Untargeted messages untouched.
	assert.Equal(t, msgs[2], out[2])
}

func TestAttachmentStrategyHonoursLengthCap(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	const maxLen = 2000
	s := newAttachmentStrategy(c.Counter(), maxLen)

	attachment := "<attachment>\n" + strings.Repeat("document content line\n", 400) + "</attachment>"
	msgs := []llmtypes.Message{
		{Role: llmtypes.RoleUser, Content: attachment},
	}

	out, details := s.Compress(msgs, 1)
	assert.Greater(t, details.TokensSaved, 0)
	assert.Contains(t, out[0].Content, "truncated")
	// The cap applies before any ratio search; the marker adds a little.
	assert.LessOrEqual(t, len([]rune(out[0].Content)), maxLen+100)

	// Blocks already under the cap pass through untouched on a zero deficit.
	short := []llmtypes.Message{{Role: llmtypes.RoleUser, Content: "<attachment>tiny</attachment>"}}
	outShort, _ := s.Compress(short, 1)
	assert.Equal(t, short[0].Content, outShort[0].Content)
}

func TestToolResultStrategyMatchesToolRole(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true})
	s := newToolResultStrategy(c.Counter())

	msgs := []llmtypes.Message{
		{Role: llmtypes.RoleTool, Content: strings.Repeat("tool output ", 500), ToolCallID: "call_1"},
		{Role: llmtypes.RoleUser, Content: "plain user text"},
	}
	potential, _ := s.EstimatePotential(msgs)
	assert.Greater(t, potential, 0)

	out, details := s.Compress(msgs, potential/2)
	assert.Greater(t, details.TokensSaved, 0)
	assert.NotEqual(t, msgs[0].Content, out[0].Content)
	assert.Equal(t, msgs[1], out[1])
}

func TestForcedCompressionLadder(t *testing.T) {
	c := New("gpt-4", Options{Enabled: true, FirstMessages: 2, LastMessages: 10})
	// No attachments, no tool results, and huge messages everywhere so the
	// earlier phases cannot reach the target on their own.
	msgs := []llmtypes.Message{{Role: llmtypes.RoleSystem, Content: strings.Repeat("system prompt ", 500)}}
	for range 14 {
		msgs = append(msgs, llmtypes.Message{Role: llmtypes.RoleUser, Content: strings.Repeat("very long user content ", 300)})
	}
	out := c.CompressIfNeeded(context.Background(), msgs)
	assert.LessOrEqual(t, c.Counter().CountMessages(out), c.Budget().TargetLimit())
}

func TestHardTruncate(t *testing.T) {
	text := strings.Repeat("a", 1000)
	out := hardTruncate(text, 300, 100)
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 300)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("a", 100)))
	assert.Contains(t, out, "truncated")

	short := "short text"
	assert.Equal(t, short, hardTruncate(short, 300, 100))
}

func TestTruncateMiddlePreservesShortText(t *testing.T) {
	short := strings.Repeat("a", 150)
	assert.Equal(t, short, truncateMiddle(short, 0.5))
}
