package agent

import (
	"context"
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate-ai/fluxgate/pkg/provider"
	"github.com/fluxgate-ai/fluxgate/pkg/tools"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// scriptedProvider replays a fixed sequence of turns; each call to Stream
// consumes the next turn.
type scriptedProvider struct {
	turns [][]provider.Delta
	errs  []error
	calls int
}

func (s *scriptedProvider) Stream(context.Context, provider.Request) (<-chan provider.Delta, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx >= len(s.turns) {
		return nil, errors.New("script exhausted")
	}
	out := make(chan provider.Delta, len(s.turns[idx])+1)
	for _, d := range s.turns[idx] {
		out <- d
	}
	close(out)
	return out, nil
}

type echoTool struct {
	silent bool
	fail   bool
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echoes its arguments." }
func (t *echoTool) GenerateSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}
func (t *echoTool) TracingKVs(string) ([]attribute.KeyValue, error) { return nil, nil }
func (t *echoTool) Execute(_ context.Context, _ tooltypes.State, parameters string) tooltypes.ToolResult {
	if t.silent {
		return tooltypes.ToolResult{SilentExit: true, ExitReason: "nothing to add"}
	}
	if t.fail {
		return tooltypes.ToolResult{Error: "echo failed"}
	}
	return tooltypes.ToolResult{Result: "echo: " + parameters}
}

func newTestRunner(p provider.Provider, reg *tools.Registry, opts Options) *Runner {
	return NewRunner(p, reg, tools.NewExecutor(0), opts)
}

func textTurn(text string) []provider.Delta {
	return []provider.Delta{
		{Type: provider.DeltaText, Text: text},
		{Type: provider.DeltaDone, FinishReason: "stop"},
	}
}

func toolTurn(id, name, args string) []provider.Delta {
	return []provider.Delta{
		{Type: provider.DeltaToolCall, ToolCall: &llmtypes.ToolCall{ID: id, Name: name, Arguments: args}},
		{Type: provider.DeltaDone, FinishReason: "tool_calls"},
	}
}

func TestRunPlainAnswer(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{textTurn("hello there")}}
	runner := newTestRunner(p, tools.NewRegistry(), Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 1, result.Iterations)
}

func TestRunToolCallAndReentry(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "echo", `{"q":"x"}`),
		textTurn("final answer"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{})
	runner := newTestRunner(p, reg, Options{})

	var events []Event
	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Content)

	// Tool result fed back as a tool-role message.
	var toolMsg *llmtypes.Message
	for i := range result.Messages {
		if result.Messages[i].Role == llmtypes.RoleTool {
			toolMsg = &result.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "echo:")
}

func TestToolEventsCorrelatedByCallID(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-7", "echo", `{"secret":"args"}`),
		textTurn("done"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{})
	runner := newTestRunner(p, reg, Options{})

	var starts, ends []Event
	_, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, func(e Event) {
		switch e.Type {
		case EventToolStart:
			starts = append(starts, e)
		case EventToolEnd:
			ends = append(ends, e)
		}
	})
	require.NoError(t, err)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, starts[0].CallID, ends[0].CallID)
	// echo is not whitelisted, so arguments are withheld from the event.
	assert.Empty(t, starts[0].Arguments)
}

func TestDisplayWhitelistExposesArguments(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "echo", `{"q":"x"}`),
		textTurn("done"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{})
	runner := newTestRunner(p, reg, Options{DisplayWhitelist: []string{"echo"}})

	var start Event
	_, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, func(e Event) {
		if e.Type == EventToolStart {
			start = e
		}
	})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"x"}`, start.Arguments)
}

func TestStructuredOutputShortCircuits(t *testing.T) {
	args := `{"verdict":"pass","score":1,"reasoning":"ok"}`
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "evaluate", args),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewEvaluateTool())
	runner := newTestRunner(p, reg, Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, args, result.Structured)
	assert.Empty(t, result.Content)
}

func TestSilentExitPropagates(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "echo", `{}`),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{silent: true})
	runner := newTestRunner(p, reg, Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.True(t, result.SilentExit)
	assert.Equal(t, "nothing to add", result.ExitReason)
}

func TestToolFailureStaysInLoop(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "echo", `{}`),
		textTurn("recovered"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{fail: true})
	runner := newTestRunner(p, reg, Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
}

func TestUnknownToolFedBackAsError(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "nonexistent", `{}`),
		textTurn("ok"),
	}}
	runner := newTestRunner(p, tools.NewRegistry(), Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)

	found := false
	for _, msg := range result.Messages {
		if msg.Role == llmtypes.RoleTool && msg.ToolCallID == "call-1" {
			assert.Contains(t, msg.Content, "not available")
			found = true
		}
	}
	assert.True(t, found)
}

func TestIterationCap(t *testing.T) {
	turns := make([][]provider.Delta, 0, 3)
	for i := 0; i < 3; i++ {
		turns = append(turns, toolTurn("call", "echo", `{}`))
	}
	p := &scriptedProvider{turns: turns}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{})
	runner := newTestRunner(p, reg, Options{MaxIterations: 3})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, p.calls)
}

func TestCancellationAtIterationBoundary(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		toolTurn("call-1", "echo", `{}`),
		textTurn("never reached"),
	}}
	reg := tools.NewRegistry()
	reg.MustRegister(&echoTool{})

	cancelAfterFirst := 0
	runner := newTestRunner(p, reg, Options{Cancelled: func(context.Context) bool {
		cancelAfterFirst++
		return cancelAfterFirst > 1
	}})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, p.calls)
}

func TestCancellationObservedMidStream(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{{
		{Type: provider.DeltaText, Text: "Hi the"},
		{Type: provider.DeltaText, Text: "re, how can I help you today?"},
		{Type: provider.DeltaDone, FinishReason: "stop"},
	}}}

	cancelled := false
	runner := newTestRunner(p, tools.NewRegistry(), Options{Cancelled: func(context.Context) bool {
		return cancelled
	}})

	// The flag flips while the first chunk is in flight.
	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, func(e Event) {
		if e.Type == EventTextDelta && e.Text == "Hi the" {
			cancelled = true
		}
	})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, "Hi the", result.Content)
}

func TestCancellationObservedBeforeFinalReturn(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{textTurn("full answer")}}

	// false at the iteration boundary and after the only delta; true on the
	// final check before returning.
	calls := 0
	runner := newTestRunner(p, tools.NewRegistry(), Options{Cancelled: func(context.Context) bool {
		calls++
		return calls >= 3
	}})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	assert.Equal(t, "full answer", result.Content)
}

func TestMidStreamErrorWithPartialCompletesIncomplete(t *testing.T) {
	p := &scriptedProvider{turns: [][]provider.Delta{
		{
			{Type: provider.DeltaText, Text: "partial answer "},
			{Type: provider.DeltaError, Err: errors.New("connection reset")},
		},
	}}
	runner := newTestRunner(p, tools.NewRegistry(), Options{})

	result, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	require.NoError(t, err)
	assert.True(t, result.Incomplete)
	assert.Equal(t, "partial answer ", result.Content)
}

func TestProviderErrorWithoutContentSurfaces(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("503")}}
	runner := newTestRunner(p, tools.NewRegistry(), Options{})

	_, err := runner.Run(context.Background(), tools.NewSessionState(), Request{Model: "gpt-4o"}, nil)
	assert.Error(t, err)
}
