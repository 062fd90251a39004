// Package agent runs the bounded tool-use loop: ask the model, execute any
// tool calls it emits, feed the results back, and stop on a final answer,
// a structured-output tool, a silent exit, cancellation, or the iteration
// cap.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/provider"
	"github.com/fluxgate-ai/fluxgate/pkg/telemetry"
	"github.com/fluxgate-ai/fluxgate/pkg/tools"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// DefaultMaxIterations bounds the ask-execute loop.
const DefaultMaxIterations = 10

// EventType discriminates loop events surfaced to the stream producer.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventToolStart EventType = "tool_start"
	EventToolEnd   EventType = "tool_end"
)

// Event is one observable step of the loop. Tool start and end events carry
// the same CallID so consumers can correlate them.
type Event struct {
	Type      EventType
	Text      string
	CallID    string
	Tool      string
	Arguments string
	Result    string
	Failed    bool
}

// Sink receives loop events. A nil sink discards them.
type Sink func(Event)

// Request is one agent invocation.
type Request struct {
	Model     string
	System    string
	Messages  []llmtypes.Message
	MaxTokens int
}

// Result is the loop outcome. Content carries the final assistant text;
// Structured is set instead when a structured-output tool fired.
type Result struct {
	Content    string
	Structured string
	SilentExit bool
	ExitReason string
	Cancelled  bool
	// Incomplete marks a mid-stream provider failure where partial content
	// was already produced; the subtask still completes.
	Incomplete bool
	Messages   []llmtypes.Message
	Iterations int
}

// structuredOutputTool marks tools whose arguments are the final result.
type structuredOutputTool interface {
	StructuredOutput() bool
}

// Options tunes the loop.
type Options struct {
	MaxIterations int
	// DisplayWhitelist names tools whose arguments may appear in start
	// events; all other tools get an empty Arguments field.
	DisplayWhitelist []string
	// Cancelled is checked at every iteration boundary, after each streamed
	// text delta, and before the final return. Nil means never cancelled.
	Cancelled func(context.Context) bool
}

// Runner drives the loop for one session.
type Runner struct {
	provider  provider.Provider
	registry  *tools.Registry
	executor  *tools.Executor
	maxIter   int
	display   map[string]struct{}
	cancelled func(context.Context) bool
}

// NewRunner builds a runner.
func NewRunner(p provider.Provider, registry *tools.Registry, executor *tools.Executor, opts Options) *Runner {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	display := make(map[string]struct{}, len(opts.DisplayWhitelist))
	for _, name := range opts.DisplayWhitelist {
		display[name] = struct{}{}
	}
	cancelled := opts.Cancelled
	if cancelled == nil {
		cancelled = func(context.Context) bool { return false }
	}
	return &Runner{
		provider:  p,
		registry:  registry,
		executor:  executor,
		maxIter:   maxIter,
		display:   display,
		cancelled: cancelled,
	}
}

func (r *Runner) toolDefinitions() []provider.ToolDefinition {
	registered := r.registry.List()
	defs := make([]provider.ToolDefinition, 0, len(registered))
	for _, tool := range registered {
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.GenerateSchema(),
		})
	}
	return defs
}

// Run executes the loop until a final answer or a terminal condition.
func (r *Runner) Run(ctx context.Context, state tooltypes.State, req Request, emit Sink) (Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	log := logger.G(ctx).WithField("model", req.Model)
	messages := append([]llmtypes.Message(nil), req.Messages...)
	defs := r.toolDefinitions()

	var produced strings.Builder
	for iteration := 1; iteration <= r.maxIter; iteration++ {
		if r.cancelled(ctx) {
			log.WithField("iteration", iteration).Info("agent loop cancelled")
			return Result{Content: produced.String(), Cancelled: true, Messages: messages, Iterations: iteration}, nil
		}

		telemetry.AddEvent(ctx, "agent_iteration",
			attribute.Int("iteration", iteration),
			attribute.String("model", req.Model),
		)

		deltas, err := r.provider.Stream(ctx, provider.Request{
			Model:     req.Model,
			System:    req.System,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			if produced.Len() > 0 {
				log.WithError(err).Warn("provider failed mid-conversation, completing with partial content")
				return Result{Content: produced.String(), Incomplete: true, Messages: messages, Iterations: iteration}, nil
			}
			return Result{Messages: messages, Iterations: iteration}, err
		}

		var turnText strings.Builder
		var toolCalls []llmtypes.ToolCall
		var streamErr error
		for delta := range deltas {
			switch delta.Type {
			case provider.DeltaText:
				turnText.WriteString(delta.Text)
				produced.WriteString(delta.Text)
				emit(Event{Type: EventTextDelta, Text: delta.Text})
				// A single-iteration response never reaches the next
				// boundary, so the flag is polled per streamed delta too.
				if r.cancelled(ctx) {
					log.WithField("iteration", iteration).Info("agent loop cancelled mid-stream")
					return Result{Content: produced.String(), Cancelled: true, Messages: messages, Iterations: iteration}, nil
				}
			case provider.DeltaToolCall:
				toolCalls = append(toolCalls, *delta.ToolCall)
			case provider.DeltaError:
				streamErr = delta.Err
			}
		}
		if streamErr != nil {
			if produced.Len() > 0 {
				log.WithError(streamErr).Warn("stream broke mid-response, completing with partial content")
				return Result{Content: produced.String(), Incomplete: true, Messages: messages, Iterations: iteration}, nil
			}
			return Result{Messages: messages, Iterations: iteration}, streamErr
		}

		if len(toolCalls) == 0 {
			if r.cancelled(ctx) {
				log.WithField("iteration", iteration).Info("agent loop cancelled")
				return Result{Content: produced.String(), Cancelled: true, Messages: messages, Iterations: iteration}, nil
			}
			return Result{Content: produced.String(), Messages: messages, Iterations: iteration}, nil
		}

		messages = append(messages, llmtypes.Message{
			Role:      llmtypes.RoleAssistant,
			Content:   turnText.String(),
			ToolCalls: toolCalls,
		})

		for _, call := range toolCalls {
			tool, ok := r.registry.Get(call.Name)
			if !ok {
				log.WithField("tool", call.Name).Warn("model requested unknown tool")
				messages = append(messages, llmtypes.Message{
					Role:       llmtypes.RoleTool,
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("Error: tool %q is not available", call.Name),
				})
				continue
			}

			if st, ok := tool.(structuredOutputTool); ok && st.StructuredOutput() {
				emit(Event{Type: EventToolStart, CallID: call.ID, Tool: call.Name, Arguments: r.displayArguments(call)})
				emit(Event{Type: EventToolEnd, CallID: call.ID, Tool: call.Name, Result: call.Arguments})
				return Result{Structured: call.Arguments, Messages: messages, Iterations: iteration}, nil
			}

			emit(Event{Type: EventToolStart, CallID: call.ID, Tool: call.Name, Arguments: r.displayArguments(call)})
			result := r.executor.Run(ctx, state, tool, call.Arguments)
			emit(Event{Type: EventToolEnd, CallID: call.ID, Tool: call.Name, Result: result.Result, Failed: result.Failed()})

			if result.SilentExit {
				log.WithField("tool", call.Name).WithField("reason", result.ExitReason).Info("tool requested silent exit")
				return Result{
					Content:    produced.String(),
					SilentExit: true,
					ExitReason: result.ExitReason,
					Messages:   messages,
					Iterations: iteration,
				}, nil
			}

			content := result.Result
			if result.Failed() {
				content = fmt.Sprintf("Error: %s", result.Error)
			}
			messages = append(messages, llmtypes.Message{
				Role:       llmtypes.RoleTool,
				ToolCallID: call.ID,
				Content:    content,
			})
		}
	}

	log.WithField("max_iterations", r.maxIter).Warn("agent loop hit iteration cap")
	return Result{Content: produced.String(), Messages: messages, Iterations: r.maxIter}, nil
}

// displayArguments returns the call arguments only for whitelisted tools.
func (r *Runner) displayArguments(call llmtypes.ToolCall) string {
	if _, ok := r.display[call.Name]; ok {
		return call.Arguments
	}
	return ""
}
