package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate-ai/fluxgate/pkg/knowledge"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// kbToolDeps is shared by the three knowledge-base exploration tools. They
// share a single per-conversation call counter; the cap comes from the KB
// record.
type kbToolDeps struct {
	retriever *knowledge.Retriever
	store     knowledge.Store
}

// checkCallBudget enforces the per-KB exploration cap. It returns a
// structured refusal the agent is expected to acknowledge.
func (d *kbToolDeps) checkCallBudget(ctx context.Context, state tooltypes.State, kbID string) (refusal string, ok bool) {
	kb, err := d.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return fmt.Sprintf("knowledge base %s is not accessible: %v", kbID, err), false
	}
	max := kb.MaxCallsPerConversation
	if max <= 0 {
		state.IncrementKBCalls(kbID)
		return "", true
	}
	if state.KBCalls(kbID) >= max {
		return fmt.Sprintf(
			"Knowledge base %q call limit reached (%d calls this conversation). Answer with what you already retrieved.",
			kb.Name, max), false
	}
	state.IncrementKBCalls(kbID)
	return "", true
}

// KnowledgeSearchTool performs RAG retrieval against a knowledge base.
type KnowledgeSearchTool struct {
	kbToolDeps
}

// NewKnowledgeSearchTool builds the knowledge_base_search tool.
func NewKnowledgeSearchTool(retriever *knowledge.Retriever, store knowledge.Store) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{kbToolDeps{retriever: retriever, store: store}}
}

type knowledgeSearchInput struct {
	KBID        string   `json:"kb_id" jsonschema:"description=Knowledge base ID to search"`
	Query       string   `json:"query" jsonschema:"description=Natural language search query"`
	DocumentIDs []string `json:"document_ids,omitempty" jsonschema:"description=Restrict search to these documents"`
}

func (t *KnowledgeSearchTool) Name() string        { return "knowledge_base_search" }
func (t *KnowledgeSearchTool) DisplayName() string { return "Knowledge Base Search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search a knowledge base for passages relevant to a query. Returns ranked snippets with sources."
}

func (t *KnowledgeSearchTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[knowledgeSearchInput]()
}

func (t *KnowledgeSearchTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	var input knowledgeSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("kb_id", input.KBID),
		attribute.String("query", input.Query),
	}, nil
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input knowledgeSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if refusal, ok := t.checkCallBudget(ctx, state, input.KBID); !ok {
		return tooltypes.ToolResult{Result: refusal}
	}

	result, err := t.retriever.Retrieve(ctx, input.Query, []string{input.KBID}, input.DocumentIDs)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("knowledge base search failed: %v", err)}
	}
	if result.ChunkCount == 0 {
		return tooltypes.ToolResult{Result: "No relevant content found.", Artifact: result}
	}
	return tooltypes.ToolResult{Result: result.Content, Artifact: result}
}

// KBListTool lists documents in a knowledge base, optionally filtered by a
// glob pattern.
type KBListTool struct {
	kbToolDeps
}

// NewKBListTool builds the kb_ls tool.
func NewKBListTool(retriever *knowledge.Retriever, store knowledge.Store) *KBListTool {
	return &KBListTool{kbToolDeps{retriever: retriever, store: store}}
}

type kbListInput struct {
	KBID    string `json:"kb_id" jsonschema:"description=Knowledge base ID to list"`
	Pattern string `json:"pattern,omitempty" jsonschema:"description=Optional glob pattern applied to document names"`
}

func (t *KBListTool) Name() string        { return "kb_ls" }
func (t *KBListTool) Description() string {
	return "List the documents of a knowledge base with their IDs and file types."
}

func (t *KBListTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[kbListInput]()
}

func (t *KBListTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	var input kbListInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{attribute.String("kb_id", input.KBID)}, nil
}

func (t *KBListTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input kbListInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if refusal, ok := t.checkCallBudget(ctx, state, input.KBID); !ok {
		return tooltypes.ToolResult{Result: refusal}
	}

	kb, err := t.store.GetKnowledgeBase(ctx, input.KBID)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("failed to load knowledge base: %v", err)}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Knowledge base %q (%d documents):\n", kb.Name, len(kb.Documents))
	listed := 0
	for _, doc := range kb.Documents {
		if !doc.IsActive {
			continue
		}
		if input.Pattern != "" {
			matched, err := doublestar.Match(input.Pattern, doc.Name)
			if err != nil {
				return tooltypes.ToolResult{Error: fmt.Sprintf("invalid pattern %q: %v", input.Pattern, err)}
			}
			if !matched {
				continue
			}
		}
		fmt.Fprintf(&sb, "- %s (%s) [id: %s]\n", doc.Name, doc.FileExtension, doc.ID)
		listed++
	}
	if listed == 0 {
		return tooltypes.ToolResult{Result: "No matching documents."}
	}
	return tooltypes.ToolResult{Result: sb.String()}
}

// KBHeadTool reads a byte slice of specific documents. The slice parameters
// are persisted by the caller so the next turn rematerialises the exact same
// bytes.
type KBHeadTool struct {
	kbToolDeps
	// onSlice is invoked after a successful read so the session can persist
	// the slice parameters onto the context record.
	onSlice func(result chattypes.KBHeadResult)
}

// NewKBHeadTool builds the kb_head tool. onSlice may be nil.
func NewKBHeadTool(retriever *knowledge.Retriever, store knowledge.Store, onSlice func(chattypes.KBHeadResult)) *KBHeadTool {
	return &KBHeadTool{kbToolDeps: kbToolDeps{retriever: retriever, store: store}, onSlice: onSlice}
}

type kbHeadInput struct {
	KBID        string   `json:"kb_id" jsonschema:"description=Knowledge base ID"`
	DocumentIDs []string `json:"document_ids" jsonschema:"description=Documents to read"`
	Offset      int      `json:"offset,omitempty" jsonschema:"description=Byte offset into each document"`
	Limit       int      `json:"limit,omitempty" jsonschema:"description=Maximum bytes to read in total"`
}

func (t *KBHeadTool) Name() string { return "kb_head" }
func (t *KBHeadTool) Description() string {
	return "Read the beginning (or a byte range) of specific knowledge base documents."
}

func (t *KBHeadTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[kbHeadInput]()
}

func (t *KBHeadTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	var input kbHeadInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.String("kb_id", input.KBID),
		attribute.Int("offset", input.Offset),
		attribute.Int("limit", input.Limit),
	}, nil
}

func (t *KBHeadTool) Execute(ctx context.Context, state tooltypes.State, parameters string) tooltypes.ToolResult {
	var input kbHeadInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}
	if refusal, ok := t.checkCallBudget(ctx, state, input.KBID); !ok {
		return tooltypes.ToolResult{Result: refusal}
	}

	text, err := t.retriever.Slice(ctx, input.KBID, input.DocumentIDs, input.Offset, input.Limit)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("kb_head failed: %v", err)}
	}
	if t.onSlice != nil {
		t.onSlice(chattypes.KBHeadResult{
			KBID:        input.KBID,
			DocumentIDs: input.DocumentIDs,
			Offset:      input.Offset,
			Limit:       input.Limit,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return tooltypes.ToolResult{Result: text}
}
