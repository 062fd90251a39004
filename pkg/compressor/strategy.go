package compressor

import (
	"fmt"
	"strings"

	"github.com/fluxgate-ai/fluxgate/pkg/tokenizer"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// Strategy reduces a message list by a bounded number of tokens. Compress may
// overshoot its budget only by one message or one truncation block.
type Strategy interface {
	Name() string
	Weight() float64
	// EstimatePotential returns how many tokens the strategy could still
	// reclaim from the messages and the minimum retention ratio it honours.
	EstimatePotential(msgs []llmtypes.Message) (compressible int, minRetention float64)
	// Compress removes up to budget tokens and reports what it did.
	Compress(msgs []llmtypes.Message, budget int) ([]llmtypes.Message, Details)
}

// Details describes one strategy run.
type Details struct {
	Strategy       string
	TokensSaved    int
	ItemsTruncated int
	RetentionRatio float64
}

const truncationNote = "[Earlier conversation history was truncated to fit the context window.]"

// historyStrategy removes middle conversation messages, oldest first, keeping
// system messages plus the first and last few conversation messages.
type historyStrategy struct {
	counter   *tokenizer.Counter
	keepFirst int
	keepLast  int
}

func newHistoryStrategy(counter *tokenizer.Counter, keepFirst, keepLast int) *historyStrategy {
	if keepFirst <= 0 {
		keepFirst = 2
	}
	if keepLast <= 0 {
		keepLast = 10
	}
	return &historyStrategy{counter: counter, keepFirst: keepFirst, keepLast: keepLast}
}

func (s *historyStrategy) Name() string    { return "history_truncation" }
func (s *historyStrategy) Weight() float64 { return 2.0 }

// splitConversation returns indices of non-system messages.
func splitConversation(msgs []llmtypes.Message) []int {
	idx := make([]int, 0, len(msgs))
	for i, m := range msgs {
		if m.Role != llmtypes.RoleSystem {
			idx = append(idx, i)
		}
	}
	return idx
}

func (s *historyStrategy) removable(msgs []llmtypes.Message) []int {
	conv := splitConversation(msgs)
	if len(conv) <= s.keepFirst+s.keepLast {
		return nil
	}
	return conv[s.keepFirst : len(conv)-s.keepLast]
}

func (s *historyStrategy) EstimatePotential(msgs []llmtypes.Message) (int, float64) {
	total := 0
	for _, i := range s.removable(msgs) {
		total += s.counter.CountMessage(msgs[i])
	}
	// The truncation note replaces the removed span.
	if total > 0 {
		total -= s.counter.CountMessage(llmtypes.Message{Role: llmtypes.RoleSystem, Content: truncationNote})
		if total < 0 {
			total = 0
		}
	}
	return total, 0
}

func (s *historyStrategy) Compress(msgs []llmtypes.Message, budget int) ([]llmtypes.Message, Details) {
	removable := s.removable(msgs)
	if len(removable) == 0 || budget <= 0 {
		return msgs, Details{Strategy: s.Name()}
	}

	drop := map[int]bool{}
	saved := 0
	for _, i := range removable {
		if saved >= budget {
			break
		}
		drop[i] = true
		saved += s.counter.CountMessage(msgs[i])
	}

	out := make([]llmtypes.Message, 0, len(msgs)-len(drop)+1)
	noteInserted := false
	for i, m := range msgs {
		if drop[i] {
			if !noteInserted {
				out = append(out, llmtypes.Message{Role: llmtypes.RoleSystem, Content: truncationNote})
				noteInserted = true
			}
			continue
		}
		out = append(out, m)
	}
	return out, Details{Strategy: s.Name(), TokensSaved: saved, ItemsTruncated: len(drop)}
}

// blockStrategy truncates the middle of marker-delimited blocks (attachments
// or tool output) inside message content. A binary search over the retention
// ratio finds the highest ratio that still meets the token budget.
type blockStrategy struct {
	name    string
	weight  float64
	counter *tokenizer.Counter
	match   func(msg llmtypes.Message) bool

	floorRetention float64
	maxIterations  int
	// slack accepts ratios landing within this fraction below target.
	slack float64
	// maxLength caps each block to this many runes before the ratio search.
	// Zero means no cap.
	maxLength int
}

var attachmentMarkers = []string{"<attachment>", "File Content", "<knowledge_base>"}

func hasAttachmentMarker(msg llmtypes.Message) bool {
	text := msg.Text()
	for _, marker := range attachmentMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

var toolOutputMarkers = []string{"<result>", "Tool Result", "<tool_output>"}

func isToolOutput(msg llmtypes.Message) bool {
	if msg.Role == llmtypes.RoleTool {
		return true
	}
	text := msg.Text()
	for _, marker := range toolOutputMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func newAttachmentStrategy(counter *tokenizer.Counter, maxLength int) *blockStrategy {
	return &blockStrategy{
		name:           "attachment_truncation",
		weight:         3.0,
		counter:        counter,
		match:          hasAttachmentMarker,
		floorRetention: 0.02,
		maxIterations:  15,
		slack:          0.05,
		maxLength:      maxLength,
	}
}

func newToolResultStrategy(counter *tokenizer.Counter) *blockStrategy {
	return &blockStrategy{
		name:           "tool_result_truncation",
		weight:         1.0,
		counter:        counter,
		match:          isToolOutput,
		floorRetention: 0.02,
		maxIterations:  15,
		slack:          0.05,
	}
}

func (s *blockStrategy) Name() string    { return s.name }
func (s *blockStrategy) Weight() float64 { return s.weight }

func (s *blockStrategy) targets(msgs []llmtypes.Message) []int {
	idx := []int{}
	for i, m := range msgs {
		if m.Role == llmtypes.RoleSystem {
			continue
		}
		if s.match(m) {
			idx = append(idx, i)
		}
	}
	return idx
}

func (s *blockStrategy) EstimatePotential(msgs []llmtypes.Message) (int, float64) {
	total := 0
	for _, i := range s.targets(msgs) {
		tokens := s.counter.CountText(msgs[i].Text())
		total += tokens - int(float64(tokens)*s.floorRetention)
	}
	return total, s.floorRetention
}

// applyRatio truncates the middle of each target block to the retention ratio
// and returns the resulting messages plus tokens saved.
func (s *blockStrategy) applyRatio(msgs []llmtypes.Message, targets []int, ratio float64) ([]llmtypes.Message, int) {
	out := make([]llmtypes.Message, len(msgs))
	copy(out, msgs)
	saved := 0
	for _, i := range targets {
		text := msgs[i].Text()
		truncated := truncateMiddle(text, ratio)
		if truncated == text {
			continue
		}
		saved += s.counter.CountText(text) - s.counter.CountText(truncated)
		out[i] = msgs[i].WithText(truncated)
	}
	return out, saved
}

// truncateMiddle keeps the head and tail of text, replacing the middle with a
// marker, so that roughly ratio of the runes survive.
func truncateMiddle(text string, ratio float64) string {
	runes := []rune(text)
	keep := int(float64(len(runes)) * ratio)
	if keep >= len(runes) || len(runes) < 200 {
		return text
	}
	if keep < 40 {
		keep = 40
	}
	head := keep * 3 / 4
	tail := keep - head
	marker := fmt.Sprintf("\n... [%d characters truncated] ...\n", len(runes)-keep)
	return string(runes[:head]) + marker + string(runes[len(runes)-tail:])
}

// applyLength caps each target block to maxLength runes. The absolute limit
// applies before any ratio search.
func (s *blockStrategy) applyLength(msgs []llmtypes.Message, targets []int) ([]llmtypes.Message, int) {
	out := make([]llmtypes.Message, len(msgs))
	copy(out, msgs)
	saved := 0
	for _, i := range targets {
		text := msgs[i].Text()
		runes := []rune(text)
		if len(runes) <= s.maxLength {
			continue
		}
		truncated := truncateMiddle(text, float64(s.maxLength)/float64(len(runes)))
		if truncated == text {
			continue
		}
		saved += s.counter.CountText(text) - s.counter.CountText(truncated)
		out[i] = msgs[i].WithText(truncated)
	}
	return out, saved
}

func (s *blockStrategy) Compress(msgs []llmtypes.Message, budget int) ([]llmtypes.Message, Details) {
	targets := s.targets(msgs)
	if len(targets) == 0 || budget <= 0 {
		return msgs, Details{Strategy: s.name}
	}

	capped := 0
	if s.maxLength > 0 {
		var saved int
		msgs, saved = s.applyLength(msgs, targets)
		capped = saved
		if saved >= budget {
			return msgs, Details{Strategy: s.name, TokensSaved: saved, ItemsTruncated: len(targets)}
		}
		budget -= saved
	}

	// Binary search for the highest retention ratio that still reclaims the
	// budget; prefer less destruction when both bounds qualify.
	lo, hi := s.floorRetention, 1.0
	bestMsgs := msgs
	bestSaved := 0
	bestRatio := 1.0
	for range s.maxIterations {
		mid := (lo + hi) / 2
		candidate, saved := s.applyRatio(msgs, targets, mid)
		if saved >= budget {
			// Enough reclaimed; try keeping more.
			if bestSaved < budget || mid > bestRatio {
				bestMsgs, bestSaved, bestRatio = candidate, saved, mid
			}
			// Accept once the overshoot is within the slack band.
			if float64(saved) <= float64(budget)*(1+s.slack) {
				break
			}
			lo = mid
		} else {
			if bestSaved < budget && saved > bestSaved {
				bestMsgs, bestSaved, bestRatio = candidate, saved, mid
			}
			hi = mid
		}
	}
	count := 0
	for _, i := range targets {
		if bestMsgs[i].Text() != msgs[i].Text() {
			count++
		}
	}
	return bestMsgs, Details{
		Strategy:       s.name,
		TokensSaved:    capped + bestSaved,
		ItemsTruncated: count,
		RetentionRatio: bestRatio,
	}
}
