// Package tools defines the tool contract shared by the registry, the agent
// loop, and MCP-backed tools.
package tools

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Tool is a callable capability exposed to the model. Implementations are
// registered for the lifetime of a session and must be stateless except for
// per-session call counters held in State.
type Tool interface {
	Name() string
	Description() string
	GenerateSchema() *jsonschema.Schema
	Execute(ctx context.Context, state State, parameters string) ToolResult
	TracingKVs(parameters string) ([]attribute.KeyValue, error)
}

// DisplayNamer is implemented by tools that carry a UI-facing name distinct
// from their wire name.
type DisplayNamer interface {
	DisplayName() string
}

// Weighted is implemented by tools whose results the compressor prioritises.
type Weighted interface {
	Weight() float64
}

// ToolResult is the outcome of a tool invocation. Failures are carried in
// Error rather than raised into the agent loop.
type ToolResult struct {
	Result string `json:"result"`
	Error  string `json:"error"`
	// Artifact is set by content-and-artifact tools; it is preserved (nil)
	// on the error path so the envelope shape survives failures.
	Artifact any `json:"artifact,omitempty"`
	// SilentExit marks the session for graceful termination without a final
	// assistant message.
	SilentExit bool   `json:"silent_exit,omitempty"`
	ExitReason string `json:"exit_reason,omitempty"`
}

func (t *ToolResult) String() string {
	out := ""
	if t.Error != "" {
		out = fmt.Sprintf("<error>\n%s\n</error>\n", t.Error)
	}
	if t.Result != "" {
		out += fmt.Sprintf("<result>\n%s\n</result>\n", t.Result)
	}
	return out
}

// Failed reports whether the invocation errored.
func (t *ToolResult) Failed() bool {
	return t.Error != ""
}

// State carries per-session mutable tool context: knowledge-base call
// counters and loaded skill names.
type State interface {
	// IncrementKBCalls bumps the shared exploration counter for a knowledge
	// base and returns the new count.
	IncrementKBCalls(kbID string) int
	// KBCalls returns the current exploration count for a knowledge base.
	KBCalls(kbID string) int
	// RecordLoadedSkill remembers a skill loaded during this session.
	RecordLoadedSkill(name string)
	// LoadedSkills lists skills loaded during this session, in load order.
	LoadedSkills() []string
}
