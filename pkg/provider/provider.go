// Package provider adapts model vendors to one streaming contract. The
// agent loop consumes a channel of deltas and never sees vendor SDK types.
package provider

import (
	"context"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// DeltaType discriminates stream events.
type DeltaType string

const (
	// DeltaText carries one text fragment.
	DeltaText DeltaType = "text"
	// DeltaToolCall carries one complete tool call; emitted once the
	// arguments have finished streaming.
	DeltaToolCall DeltaType = "tool_call"
	// DeltaDone terminates the stream.
	DeltaDone DeltaType = "done"
	// DeltaError reports a mid-stream failure; it is always followed by
	// channel close.
	DeltaError DeltaType = "error"
)

// Delta is one streaming event from a provider.
type Delta struct {
	Type         DeltaType
	Text         string
	ToolCall     *llmtypes.ToolCall
	FinishReason string
	Err          error
}

// ToolDefinition is a provider-neutral tool schema.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
}

// Request is one model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []llmtypes.Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Provider streams one model response. Errors establishing the stream are
// returned directly; mid-stream failures arrive as a DeltaError followed by
// channel close.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Options configures provider construction.
type Options struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
}

// Resolve picks a provider by model prefix. Unknown prefixes fall through to
// the OpenAI-compatible adapter, which covers the long tail of hosted
// gateways.
func Resolve(model string, opts Options) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude"):
		return NewAnthropicProvider(opts.AnthropicAPIKey)
	case strings.HasPrefix(model, "gpt"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"),
		strings.HasPrefix(model, "chatgpt"):
		return NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIBaseURL)
	case model == "":
		return nil, errors.New("model is required")
	default:
		return NewOpenAIProvider(opts.OpenAIAPIKey, opts.OpenAIBaseURL)
	}
}
