package tools

import (
	"context"
	"testing"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// stubTool is a scriptable tool for registry and executor tests.
type stubTool struct {
	name    string
	execute func(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult
}

func (s *stubTool) Name() string                     { return s.name }
func (s *stubTool) Description() string              { return "stub" }
func (s *stubTool) GenerateSchema() *jsonschema.Schema { return GenerateSchema[struct{}]() }
func (s *stubTool) TracingKVs(string) ([]attribute.KeyValue, error) { return nil, nil }
func (s *stubTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	if s.execute == nil {
		return tooltypes.ToolResult{Result: "ok"}
	}
	return s.execute(ctx, state, parameters)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "alpha"}))
	require.NoError(t, r.Register(&stubTool{name: "beta"}))

	tool, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", tool.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Error(t, r.Register(&stubTool{name: "alpha"}), "duplicate registration should fail")
	assert.Len(t, r.List(), 2)
	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestRegistryListPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubTool{name: "zeta"}, &stubTool{name: "alpha"})
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "zeta", list[0].Name())
	assert.Equal(t, "alpha", list[1].Name())
}

func TestExecutorSuccess(t *testing.T) {
	e := NewExecutor(time.Second)
	result := e.Run(context.Background(), NewSessionState(), &stubTool{name: "ok"}, "{}")
	assert.False(t, result.Failed())
	assert.Equal(t, "ok", result.Result)
}

func TestExecutorTimeout(t *testing.T) {
	e := NewExecutor(50 * time.Millisecond)
	slow := &stubTool{
		name: "slow",
		execute: func(ctx context.Context, _ tooltypes.State, _ string) tooltypes.ToolResult {
			select {
			case <-ctx.Done():
				return tooltypes.ToolResult{Error: ctx.Err().Error()}
			case <-time.After(5 * time.Second):
				return tooltypes.ToolResult{Result: "too late"}
			}
		},
	}
	result := e.Run(context.Background(), NewSessionState(), slow, "{}")
	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "timed out")
}

func TestExecutorPanicShield(t *testing.T) {
	e := NewExecutor(time.Second)
	panicky := &stubTool{
		name: "panicky",
		execute: func(context.Context, tooltypes.State, string) tooltypes.ToolResult {
			panic("boom")
		},
	}
	result := e.Run(context.Background(), NewSessionState(), panicky, "{}")
	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "panicked")
}

func TestSessionStateKBCounters(t *testing.T) {
	s := NewSessionState()
	assert.Equal(t, 0, s.KBCalls("kb-1"))
	assert.Equal(t, 1, s.IncrementKBCalls("kb-1"))
	assert.Equal(t, 2, s.IncrementKBCalls("kb-1"))
	assert.Equal(t, 1, s.IncrementKBCalls("kb-2"))
	assert.Equal(t, 2, s.KBCalls("kb-1"))
}

func TestSessionStateLoadedSkills(t *testing.T) {
	s := NewSessionState()
	s.RecordLoadedSkill("pdf")
	s.RecordLoadedSkill("csv")
	s.RecordLoadedSkill("pdf") // deduplicated
	assert.Equal(t, []string{"pdf", "csv"}, s.LoadedSkills())
}
