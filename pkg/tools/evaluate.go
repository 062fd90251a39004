package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// EvaluateTool is a structured-output tool: the agent loop extracts its
// arguments as the final result instead of any free-form text.
type EvaluateTool struct{}

// NewEvaluateTool builds the evaluate tool.
func NewEvaluateTool() *EvaluateTool { return &EvaluateTool{} }

// EvaluateInput is the structured verdict the model emits.
type EvaluateInput struct {
	Verdict   string  `json:"verdict" jsonschema:"description=One of pass/fail/uncertain"`
	Score     float64 `json:"score" jsonschema:"description=Numeric score between 0 and 1"`
	Reasoning string  `json:"reasoning" jsonschema:"description=Short justification for the verdict"`
}

func (t *EvaluateTool) Name() string { return "evaluate" }

func (t *EvaluateTool) Description() string {
	return "Submit a structured evaluation verdict. Call this exactly once with your final judgement."
}

func (t *EvaluateTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[EvaluateInput]()
}

func (t *EvaluateTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	return nil, nil
}

// StructuredOutput marks this tool for argument extraction in the agent loop.
func (t *EvaluateTool) StructuredOutput() bool { return true }

func (t *EvaluateTool) Execute(_ context.Context, _ tooltypes.State, parameters string) tooltypes.ToolResult {
	var input EvaluateInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	return tooltypes.ToolResult{Result: parameters}
}
