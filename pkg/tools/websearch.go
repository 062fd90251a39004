package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxgate-ai/fluxgate/pkg/version"
	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// SearchEngine abstracts the external search backend. The gateway does not
// implement a search engine; it calls one.
type SearchEngine interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool queries a search engine and optionally fetches a page,
// converting its HTML to markdown for the model.
type WebSearchTool struct {
	engine SearchEngine
	client *http.Client
}

// NewWebSearchTool builds the web_search tool.
func NewWebSearchTool(engine SearchEngine) *WebSearchTool {
	return &WebSearchTool{
		engine: engine,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

type webSearchInput struct {
	Query      string `json:"query" jsonschema:"description=Search query"`
	FetchURL   string `json:"fetch_url,omitempty" jsonschema:"description=Fetch this URL instead of searching"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of results (default 5)"`
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) DisplayName() string { return "Web Search" }
func (t *WebSearchTool) Description() string {
	return "Search the web, or fetch a specific URL and return its content as markdown."
}

func (t *WebSearchTool) GenerateSchema() *jsonschema.Schema {
	return GenerateSchema[webSearchInput]()
}

func (t *WebSearchTool) TracingKVs(parameters string) ([]attribute.KeyValue, error) {
	var input webSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return nil, err
	}
	return []attribute.KeyValue{attribute.String("query", input.Query)}, nil
}

func (t *WebSearchTool) Execute(ctx context.Context, _ tooltypes.State, parameters string) tooltypes.ToolResult {
	var input webSearchInput
	if err := json.Unmarshal([]byte(parameters), &input); err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
	}

	if input.FetchURL != "" {
		return t.fetch(ctx, input.FetchURL)
	}

	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	results, err := t.engine.Search(ctx, input.Query, maxResults)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("web search failed: %v", err)}
	}
	if len(results) == 0 {
		return tooltypes.ToolResult{Result: "No results found."}
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return tooltypes.ToolResult{Result: sb.String()}
}

// maxFetchedPage bounds how much page content is passed to the model; the
// compressor handles the rest.
const maxFetchedPage = 50000

func (t *WebSearchTool) fetch(ctx context.Context, url string) tooltypes.ToolResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("invalid url %q: %v", url, err)}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.client.Do(req)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("failed to fetch %q: %v", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tooltypes.ToolResult{Error: fmt.Sprintf("fetch %q returned %d", url, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("failed to read %q: %v", url, err)}
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		converter := md.NewConverter("", true, nil)
		markdown, err := converter.ConvertString(content)
		if err == nil {
			content = markdown
		}
	}
	if len(content) > maxFetchedPage {
		content = content[:maxFetchedPage] + "\n(truncated...)"
	}
	return tooltypes.ToolResult{Result: content}
}
