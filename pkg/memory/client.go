// Package memory talks to the long-term memory service. Writes are
// fire-and-forget, reads are bounded-latency, and task deletion cascades
// through paginated search-and-delete.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
	"github.com/fluxgate-ai/fluxgate/pkg/version"
)

const (
	// DefaultSearchTimeout bounds memory reads so a slow service never
	// delays the agent loop.
	DefaultSearchTimeout = 2 * time.Second

	// deleteNoProgressLimit stops the cascade delete after this many
	// consecutive batches that removed nothing.
	deleteNoProgressLimit = 3

	deletePageSize = 50
)

// Metadata scopes a memory record to its originating conversation.
type Metadata struct {
	TaskID      string `json:"task_id"`
	SubtaskID   string `json:"subtask_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	IsGroupChat bool   `json:"is_group_chat"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Record is one stored memory. Content is opaque to the gateway; only the
// metadata contract is interpreted.
type Record struct {
	MemoryID  string   `json:"memory_id"`
	UserID    string   `json:"user_id"`
	Content   string   `json:"content"`
	Metadata  Metadata `json:"metadata"`
	CreatedAt string   `json:"created_at"`
}

// Client is the HTTP client for the memory service. The zero-value-disabled
// form (nil or empty base URL) turns every operation into a no-op so callers
// never branch on configuration.
type Client struct {
	baseURL       string
	apiKey        string
	searchTimeout time.Duration
	maxResults    int

	// The transport is created lazily and can be dropped by Reset when a
	// caller detects it has gone stale (for example after a fork or a
	// proxy rotation). Creation is serialized.
	mu   sync.Mutex
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithSearchTimeout overrides the per-request search deadline.
func WithSearchTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.searchTimeout = d
		}
	}
}

// WithMaxResults caps how many records a search returns.
func WithMaxResults(n int) Option {
	return func(c *Client) { c.maxResults = n }
}

// NewClient builds a memory client. An empty baseURL yields a disabled
// client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		searchTimeout: DefaultSearchTimeout,
		maxResults:    10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the client points at a real service.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Reset drops the underlying transport; the next request creates a fresh
// one.
func (c *Client) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
	c.http = nil
}

func (c *Client) transport() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	return c.http
}

type saveRequest struct {
	UserID   string             `json:"user_id"`
	Messages []llmtypes.Message `json:"messages"`
	Metadata Metadata           `json:"metadata"`
}

// SaveUserMessageAsync schedules a fire-and-forget write. Failures are
// logged and swallowed so the main flow never waits on the memory service.
func (c *Client) SaveUserMessageAsync(ctx context.Context, userID string, messages []llmtypes.Message, meta Metadata) {
	if !c.Enabled() {
		return
	}
	// Detach from the caller's cancellation: the write must survive the
	// request that triggered it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := c.save(saveCtx, userID, messages, meta); err != nil {
			logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("failed to save memory")
		}
	}()
}

func (c *Client) save(ctx context.Context, userID string, messages []llmtypes.Message, meta Metadata) error {
	body, err := json.Marshal(saveRequest{UserID: userID, Messages: messages, Metadata: meta})
	if err != nil {
		return errors.Wrap(err, "failed to marshal memory save request")
	}
	return retry.Do(
		func() error {
			return c.post(ctx, "/memories", body, nil)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

type searchRequest struct {
	UserID   string            `json:"user_id"`
	Query    string            `json:"query,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

type searchResponse struct {
	Memories []Record `json:"memories"`
}

// SearchMemories returns relevant records for the user within a bounded
// deadline. On timeout or error it returns an empty slice; the caller never
// sees memory-service failures.
func (c *Client) SearchMemories(ctx context.Context, userID, query string) []Record {
	if !c.Enabled() {
		return nil
	}
	searchCtx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	records, err := c.search(searchCtx, searchRequest{UserID: userID, Query: query, Limit: c.maxResults})
	if err != nil {
		logger.G(ctx).WithError(err).WithField("user_id", userID).Warn("memory search failed")
		return nil
	}
	return records
}

func (c *Client) search(ctx context.Context, req searchRequest) ([]Record, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal memory search request")
	}
	var parsed searchResponse
	if err := c.post(ctx, "/memories/search", body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Memories, nil
}

// DeleteTaskMemories removes every record tagged with the task. It paginates
// search by metadata.task_id and stops when a page comes back empty or after
// three consecutive batches that made no progress.
func (c *Client) DeleteTaskMemories(ctx context.Context, userID, taskID string) error {
	if !c.Enabled() {
		return nil
	}
	log := logger.G(ctx).WithField("task_id", taskID)

	noProgress := 0
	deleted := 0
	for {
		records, err := c.search(ctx, searchRequest{
			UserID:  userID,
			Filters: map[string]string{"task_id": taskID},
			Limit:   deletePageSize,
		})
		if err != nil {
			return errors.Wrap(err, "failed to list task memories")
		}
		if len(records) == 0 {
			break
		}

		progress := 0
		for _, record := range records {
			if err := c.delete(ctx, record.MemoryID); err != nil {
				log.WithError(err).WithField("memory_id", record.MemoryID).Warn("failed to delete memory")
				continue
			}
			progress++
		}
		deleted += progress

		if progress == 0 {
			noProgress++
			if noProgress >= deleteNoProgressLimit {
				return errors.Errorf("aborting memory cleanup for task %s: %d batches without progress", taskID, noProgress)
			}
			continue
		}
		noProgress = 0
	}

	log.WithField("deleted", deleted).Info("task memories deleted")
	return nil
}

func (c *Client) delete(ctx context.Context, memoryID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/memories/"+memoryID, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.transport().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("memory service returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	c.setHeaders(req)

	resp, err := c.transport().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Errorf("memory service returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return retry.Unrecoverable(errors.Errorf("memory service returned %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return retry.Unrecoverable(errors.Wrap(err, "failed to decode memory response"))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
}
