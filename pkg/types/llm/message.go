// Package llm holds provider-neutral message types shared by the token
// counter, compressor, agent loop, and provider adapters.
package llm

// Message roles. Tool results travel as RoleTool messages so the compressor
// can target them separately from user content.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Parts carries multimodal content; when non-empty it supersedes Content.
	Parts []ContentPart `json:"parts,omitempty"`
	// ToolCallID links a tool-role message to the call that produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls are tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ContentPart is a single multimodal fragment of a message.
type ContentPart struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	// ImageBase64 is the raw base64 payload, without a data URL prefix.
	ImageBase64 string `json:"image_base64,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ToolCall is a provider-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Text returns the textual content of the message including text parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// WithText returns a copy of the message with its textual content replaced.
// Image parts are preserved.
func (m Message) WithText(text string) Message {
	out := m
	if len(m.Parts) == 0 {
		out.Content = text
		return out
	}
	parts := make([]ContentPart, 0, len(m.Parts))
	inserted := false
	for _, p := range m.Parts {
		if p.Type == "text" {
			if !inserted {
				parts = append(parts, ContentPart{Type: "text", Text: text})
				inserted = true
			}
			continue
		}
		parts = append(parts, p)
	}
	if !inserted {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}
	out.Parts = parts
	return out
}
