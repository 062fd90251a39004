package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/version"
)

// DuckDuckGoEngine queries the DuckDuckGo instant-answer API. It needs no
// API key, which makes it the default engine.
type DuckDuckGoEngine struct {
	baseURL string
	client  *http.Client
}

// NewDuckDuckGoEngine builds the engine. An empty baseURL uses the public
// endpoint.
func NewDuckDuckGoEngine(baseURL string) *DuckDuckGoEngine {
	if baseURL == "" {
		baseURL = "https://api.duckduckgo.com"
	}
	return &DuckDuckGoEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

type ddgResponse struct {
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

// Search implements SearchEngine.
func (e *DuckDuckGoEngine) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	endpoint := e.baseURL + "/?q=" + url.QueryEscape(query) + "&format=json&no_html=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build search request")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("search returned status %d", resp.StatusCode)
	}

	var body ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to decode search response")
	}

	var results []SearchResult
	if body.AbstractText != "" {
		results = append(results, SearchResult{
			Title:   body.Heading,
			URL:     body.AbstractURL,
			Snippet: body.AbstractText,
		})
	}
	results = append(results, flattenTopics(body.RelatedTopics, maxResults-len(results))...)
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

// flattenTopics walks the nested topic groups DuckDuckGo returns for
// disambiguation pages.
func flattenTopics(topics []ddgTopic, limit int) []SearchResult {
	var out []SearchResult
	for _, topic := range topics {
		if len(out) >= limit {
			break
		}
		if len(topic.Topics) > 0 {
			out = append(out, flattenTopics(topic.Topics, limit-len(out))...)
			continue
		}
		if topic.FirstURL == "" {
			continue
		}
		out = append(out, SearchResult{
			Title:   topic.Text,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return out
}

// NewSearchEngine resolves the configured engine name.
func NewSearchEngine(name string) (SearchEngine, error) {
	switch name {
	case "", "duckduckgo":
		return NewDuckDuckGoEngine(""), nil
	default:
		return nil, errors.Errorf("unknown search engine %q", name)
	}
}
