// Package tokenizer estimates token counts for multimodal message lists.
// GPT-family models get exact BPE counts via tiktoken when the encoding is
// loadable; everything else falls back to provider character ratios.
package tokenizer

import (
	"encoding/base64"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

const (
	// perMessageOverhead approximates the framing tokens a provider adds
	// around each message, plus the role marker.
	perMessageOverhead = 3
	perRoleOverhead    = 2

	// largeImageThreshold doubles the image estimate once the decoded
	// payload exceeds 1 MiB.
	largeImageThreshold = 1 << 20
)

// charsPerToken maps provider families to character-to-token ratios.
var charsPerToken = map[string]float64{
	"openai":    4.0,
	"anthropic": 3.5,
	"google":    4.0,
}

const defaultCharsPerToken = 4.0

// imageTokens maps provider families to fixed per-image estimates.
var imageTokens = map[string]int{
	"openai":    765,
	"anthropic": 1600,
	"google":    1000,
}

const defaultImageTokens = 765

// Counter estimates tokens for a specific model. Counting is deterministic:
// the same input always yields the same count.
type Counter struct {
	model    string
	provider string
	encoding *tiktoken.Tiktoken
}

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

// NewCounter builds a counter for the given model identifier.
func NewCounter(model string) *Counter {
	c := &Counter{
		model:    model,
		provider: providerFor(model),
	}
	if c.provider == "openai" && strings.HasPrefix(strings.ToLower(model), "gpt") {
		c.encoding = loadEncoding(model)
	}
	return c
}

func providerFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	default:
		return ""
	}
}

func loadEncoding(model string) *tiktoken.Tiktoken {
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown GPT variants still get a reasonable exact encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	encodingCache[model] = enc
	return enc
}

// CountText estimates tokens for a plain string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}
	ratio, ok := charsPerToken[c.provider]
	if !ok {
		ratio = defaultCharsPerToken
	}
	n := int(float64(len(text)) / ratio)
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessage estimates tokens for one message including framing overhead.
func (c *Counter) CountMessage(msg llmtypes.Message) int {
	total := perMessageOverhead + perRoleOverhead
	if len(msg.Parts) == 0 {
		return total + c.CountText(msg.Content)
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case "image":
			total += c.countImage(part)
		default:
			total += c.CountText(part.Text)
		}
	}
	return total
}

func (c *Counter) countImage(part llmtypes.ContentPart) int {
	n, ok := imageTokens[c.provider]
	if !ok {
		n = defaultImageTokens
	}
	// base64 inflates by 4/3; decoded length without allocating the bytes.
	decoded := base64.StdEncoding.DecodedLen(len(part.ImageBase64))
	if decoded > largeImageThreshold {
		n *= 2
	}
	return n
}

// CountMessages estimates tokens for a full conversation.
func (c *Counter) CountMessages(msgs []llmtypes.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// IsOverLimit reports whether the conversation exceeds the given token limit.
func (c *Counter) IsOverLimit(msgs []llmtypes.Message, limit int) bool {
	return c.CountMessages(msgs) > limit
}
