package provider

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

const anthropicDefaultMaxTokens = 8192

// AnthropicProvider streams messages through the Anthropic API.
type AnthropicProvider struct {
	client anthropic.Client
}

var _ Provider = (*AnthropicProvider)(nil)

// NewAnthropicProvider builds the adapter.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

func toAnthropicMessages(messages []llmtypes.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llmtypes.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if len(msg.Parts) > 0 {
				for _, part := range msg.Parts {
					if part.Type == "image" {
						blocks = append(blocks, anthropic.NewImageBlockBase64(part.MimeType, part.ImageBase64))
					} else if part.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				}
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case llmtypes.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case llmtypes.RoleTool:
			// Tool results travel as user-role messages on the wire.
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return out
}

func toAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
		}
		if def.Schema != nil {
			tool.InputSchema = anthropic.ToolInputSchemaParam{Properties: def.Schema.Properties}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

// Stream opens a streaming message and forwards deltas. Tool-use blocks are
// accumulated by the SDK and emitted complete at block stop.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if stream.Err() != nil {
		return nil, errors.Wrap(stream.Err(), "failed to open message stream")
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			if ctx.Err() != nil {
				out <- Delta{Type: DeltaError, Err: ctx.Err()}
				return
			}
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				// Known SDK limitation on malformed tool-call payloads;
				// the agent loop retries on the resulting empty call.
				logger.G(ctx).WithError(err).Warn("failed to accumulate stream event")
				continue
			}

			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
					out <- Delta{Type: DeltaText, Text: text.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			logger.G(ctx).WithError(err).Warn("message stream failed")
			out <- Delta{Type: DeltaError, Err: err}
			return
		}

		for _, block := range message.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				out <- Delta{Type: DeltaToolCall, ToolCall: &llmtypes.ToolCall{
					ID:        tu.ID,
					Name:      tu.Name,
					Arguments: string(tu.Input),
				}}
			}
		}
		out <- Delta{Type: DeltaDone, FinishReason: string(message.StopReason)}
	}()
	return out, nil
}
