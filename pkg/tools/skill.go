package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate-ai/fluxgate/pkg/skills"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// SkillTool loads skill instructions into the conversation on demand. Loaded
// skill names are recorded on the session state and surfaced in the assistant
// result.
type SkillTool struct {
	discovery *skills.Discovery
}

// NewSkillTool builds the load_skill tool.
func NewSkillTool(discovery *skills.Discovery) *SkillTool {
	return &SkillTool{discovery: discovery}
}

type skillInput struct {
	Name string `json:"name" jsonschema:"description=Name of the skill to load"`
}

func (t *SkillTool) Name() string        { return "load_skill" }
func (t *SkillTool) DisplayName() string { return "Load Skill" }

func (t *SkillTool) Description() string {
	available := t.discovery.List()
	if len(available) == 0 {
		return "Load a skill by name. No skills are currently available."
	}
	var sb strings.Builder
	sb.WriteString("Load a skill by name. Available skills:\n")
	for _, s := range available {
		fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
	}
	return sb.String()
}

func (t *SkillTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[skillInput]()
}

func (t *SkillTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	var input skillInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{attribute.String("skill", input.Name)}, nil
}

func (t *SkillTool) Execute(_ context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input skillInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	body, err := t.discovery.Load(input.Name)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("failed to load skill: %v", err)}
	}
	state.RecordLoadedSkill(input.Name)
	return tooltypes.ToolResult{Result: body}
}
