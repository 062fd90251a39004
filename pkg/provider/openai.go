package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// OpenAIProvider streams chat completions through the OpenAI-compatible API.
type OpenAIProvider struct {
	client *openai.Client
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds the adapter. baseURL overrides the endpoint for
// OpenAI-compatible gateways.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}, nil
}

func toOpenAIMessages(system string, messages []llmtypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
		if len(msg.Parts) > 0 {
			converted.Content = ""
			for _, part := range msg.Parts {
				switch part.Type {
				case "image":
					converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", part.MimeType, part.ImageBase64),
						},
					})
				default:
					converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
		}
		if msg.Role == llmtypes.RoleTool {
			converted.ToolCallID = msg.ToolCallID
		}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		var params any
		if def.Schema != nil {
			if b, err := json.Marshal(def.Schema); err == nil {
				params = json.RawMessage(b)
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Stream opens a streaming chat completion and forwards deltas. Tool calls
// are accumulated by index and emitted complete once the stream ends.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	params := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req.System, req.Messages),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
		params.ToolChoice = "auto"
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open completion stream")
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer stream.Close()

		var toolCalls []openai.ToolCall
		finishReason := ""
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				logger.G(ctx).WithError(err).Warn("completion stream failed")
				out <- Delta{Type: DeltaError, Err: err}
				return
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- Delta{Type: DeltaText, Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					if tc.Index == nil {
						logger.G(ctx).WithField("tool_call_id", tc.ID).Warn("tool call delta without index, skipping")
						continue
					}
					idx := *tc.Index
					for len(toolCalls) <= idx {
						toolCalls = append(toolCalls, openai.ToolCall{})
					}
					if tc.ID != "" {
						toolCalls[idx].ID = tc.ID
					}
					if tc.Function.Name != "" {
						toolCalls[idx].Function.Name = tc.Function.Name
					}
					toolCalls[idx].Function.Arguments += tc.Function.Arguments
				}
				if choice.FinishReason != "" {
					finishReason = string(choice.FinishReason)
				}
			}
		}

		for _, tc := range toolCalls {
			if tc.Function.Name == "" {
				continue
			}
			out <- Delta{Type: DeltaToolCall, ToolCall: &llmtypes.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}}
		}
		out <- Delta{Type: DeltaDone, FinishReason: finishReason}
	}()
	return out, nil
}
