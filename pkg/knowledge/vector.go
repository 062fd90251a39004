package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/version"
)

// Chunk is one ranked retrieval result with citation metadata.
type Chunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// VectorClient queries the external vector service. The core does not
// implement a vector store; it only calls one.
type VectorClient interface {
	Search(ctx context.Context, query string, kbIDs []string, documentIDs []string) ([]Chunk, error)
}

// HTTPVectorClient talks to the vector service over HTTP with bounded
// retries.
type HTTPVectorClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPVectorClient builds a vector client for the given base URL.
func NewHTTPVectorClient(baseURL string) *HTTPVectorClient {
	return &HTTPVectorClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type vectorSearchRequest struct {
	Query       string   `json:"query"`
	KBIDs       []string `json:"kb_ids"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type vectorSearchResponse struct {
	Chunks []Chunk `json:"chunks"`
}

// Search performs one ranked retrieval.
func (c *HTTPVectorClient) Search(ctx context.Context, query string, kbIDs []string, documentIDs []string) ([]Chunk, error) {
	body, err := json.Marshal(vectorSearchRequest{Query: query, KBIDs: kbIDs, DocumentIDs: documentIDs})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search request")
	}

	var chunks []Chunk
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("User-Agent", version.UserAgent())

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return errors.Errorf("vector service returned %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(errors.Errorf("vector service returned %d", resp.StatusCode))
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var parsed vectorSearchResponse
			if err := json.Unmarshal(data, &parsed); err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "failed to decode search response"))
			}
			chunks = parsed.Chunks
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}
