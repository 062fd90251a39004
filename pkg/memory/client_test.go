package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

func TestSearchMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/memories/search", r.URL.Path)
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-1", req.UserID)
		json.NewEncoder(w).Encode(searchResponse{Memories: []Record{
			{MemoryID: "m1", Content: "prefers terse answers"},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	records := c.SearchMemories(context.Background(), "user-1", "preferences")
	require.Len(t, records, 1)
	assert.Equal(t, "prefers terse answers", records[0].Content)
}

func TestSearchMemoriesErrorReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	assert.Empty(t, c.SearchMemories(context.Background(), "user-1", "q"))
}

func TestSearchMemoriesTimeoutReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", WithSearchTimeout(50*time.Millisecond))
	start := time.Now()
	assert.Empty(t, c.SearchMemories(context.Background(), "user-1", "q"))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSaveUserMessageAsync(t *testing.T) {
	received := make(chan saveRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/memories", r.URL.Path)
		var req saveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key")
	ctx, cancel := context.WithCancel(context.Background())
	c.SaveUserMessageAsync(ctx, "user-1", []llmtypes.Message{{Role: "user", Content: "hello"}}, Metadata{TaskID: "task-7"})
	// The write must survive the caller's cancellation.
	cancel()

	select {
	case req := <-received:
		assert.Equal(t, "user-1", req.UserID)
		assert.Equal(t, "task-7", req.Metadata.TaskID)
	case <-time.After(3 * time.Second):
		t.Fatal("save never reached the service")
	}
}

func TestDeleteTaskMemoriesPaginates(t *testing.T) {
	var mu sync.Mutex
	remaining := map[string]bool{"m1": true, "m2": true, "m3": true}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/memories/search":
			var page []Record
			for id := range remaining {
				page = append(page, Record{MemoryID: id})
			}
			json.NewEncoder(w).Encode(searchResponse{Memories: page})
		case r.Method == http.MethodDelete:
			id := strings.TrimPrefix(r.URL.Path, "/memories/")
			delete(remaining, id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	require.NoError(t, c.DeleteTaskMemories(context.Background(), "user-1", "task-7"))
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, remaining)
}

func TestDeleteTaskMemoriesNoProgressGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/memories/search":
			// Always report the same stuck record.
			json.NewEncoder(w).Encode(searchResponse{Memories: []Record{{MemoryID: "stuck"}}})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.DeleteTaskMemories(context.Background(), "user-1", "task-7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without progress")
}

func TestDisabledClientNoOps(t *testing.T) {
	c := NewClient("", "")
	assert.False(t, c.Enabled())
	assert.Empty(t, c.SearchMemories(context.Background(), "u", "q"))
	assert.NoError(t, c.DeleteTaskMemories(context.Background(), "u", "t"))
	c.SaveUserMessageAsync(context.Background(), "u", nil, Metadata{})
}

func TestRenderBlock(t *testing.T) {
	assert.Empty(t, RenderBlock(nil))

	block := RenderBlock([]Record{
		{Content: "likes Go", CreatedAt: "2026-08-01T10:30:00Z"},
		{Content: "works at Acme", CreatedAt: "not-a-timestamp"},
		{Content: "undated"},
	})
	assert.True(t, strings.HasPrefix(block, "<memory>\n"))
	assert.True(t, strings.HasSuffix(block, "</memory>"))
	assert.Contains(t, block, "likes Go")
	assert.Contains(t, block, "[not-a-timestamp] works at Acme")
	assert.Contains(t, block, "- undated\n")
}
