package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskData() map[string]any {
	return map[string]any{
		"task": map[string]any{
			"id":    float64(42),
			"title": "quarterly report",
		},
		"user": map[string]any{
			"tokens": []any{"tok-a", "tok-b"},
		},
		"flag": true,
	}
}

func TestSubstituteScalarPaths(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"${{task.id}}", "42"},
		{"${{task.title}}", "quarterly report"},
		{"${{user.tokens.0}}", "tok-a"},
		{"${{user.tokens.1}}", "tok-b"},
		{"${{flag}}", "true"},
		{"Bearer ${{user.tokens.0}}", "Bearer tok-a"},
		{"${{task.id}}-${{task.id}}", "42-42"},
	}
	for _, tt := range tests {
		got := SubstituteVariables(tt.in, taskData())
		assert.Equal(t, tt.expected, got, tt.in)
	}
}

func TestSubstituteUnknownPathsPreserved(t *testing.T) {
	tests := []string{
		"${{missing}}",
		"${{task.missing}}",
		"${{user.tokens.9}}",
		"${{user.tokens.x}}",
		"${{task.id.deeper}}",
	}
	for _, in := range tests {
		assert.Equal(t, in, SubstituteVariables(in, taskData()), in)
	}
}

func TestSubstitutePreservesStructure(t *testing.T) {
	raw := `{
		"servers": {
			"github": {
				"server_type": "sse",
				"base_url": "https://example.com/${{task.id}}",
				"headers": {"Authorization": "Bearer ${{user.tokens.0}}"},
				"args": ["--title", "${{task.title}}", "${{unknown.path}}"]
			}
		}
	}`
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))

	out := SubstituteVariables(doc, taskData())
	servers := out.(map[string]any)["servers"].(map[string]any)
	github := servers["github"].(map[string]any)

	assert.Equal(t, "https://example.com/42", github["base_url"])
	headers := github["headers"].(map[string]any)
	assert.Equal(t, "Bearer tok-a", headers["Authorization"])
	args := github["args"].([]any)
	assert.Equal(t, "quarterly report", args[1])
	assert.Equal(t, "${{unknown.path}}", args[2])
}

func TestParseServersConfig(t *testing.T) {
	raw := `{"servers":{"local":{"server_type":"stdio","command":"mcp-server","args":["--task","${{task.id}}"]}}}`
	cfg, err := ParseServersConfig(raw, taskData())
	require.NoError(t, err)
	require.Contains(t, cfg.Servers, "local")
	assert.Equal(t, ServerTypeStdio, cfg.Servers["local"].ServerType)
	assert.Equal(t, []string{"--task", "42"}, cfg.Servers["local"].Args)
}

func TestParseServersConfigInvalidJSON(t *testing.T) {
	_, err := ParseServersConfig("{not json", nil)
	assert.Error(t, err)
}

func TestDetectSilentExit(t *testing.T) {
	reason, ok := DetectSilentExit(`{"__silent_exit__": true, "reason": "done"}`)
	assert.True(t, ok)
	assert.Equal(t, "done", reason)

	_, ok = DetectSilentExit(`{"__silent_exit__": false}`)
	assert.False(t, ok)

	_, ok = DetectSilentExit("plain text output")
	assert.False(t, ok)

	_, ok = DetectSilentExit(`{"other": "json"}`)
	assert.False(t, ok)
}
