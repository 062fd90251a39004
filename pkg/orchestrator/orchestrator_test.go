package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate-ai/fluxgate/pkg/config"
	"github.com/fluxgate-ai/fluxgate/pkg/history"
	"github.com/fluxgate-ai/fluxgate/pkg/memory"
	"github.com/fluxgate-ai/fluxgate/pkg/provider"
	"github.com/fluxgate-ai/fluxgate/pkg/server"
	"github.com/fluxgate-ai/fluxgate/pkg/stream"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

type memBroker struct {
	mu sync.Mutex
	kv map[string]string
}

func (b *memBroker) Publish(ctx context.Context, channel, payload string) error { return nil }

func (b *memBroker) Subscribe(ctx context.Context, channel string) (stream.Subscription, error) {
	return nil, errors.New("no pub/sub in tests")
}

func (b *memBroker) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.kv[key]
	return v, ok, nil
}

func (b *memBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = value
	return nil
}

func (b *memBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

// scriptedProvider replays fixed deltas and records every request.
type scriptedProvider struct {
	deltas   []provider.Delta
	requests []provider.Request
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Delta, error) {
	p.requests = append(p.requests, req)
	ch := make(chan provider.Delta, len(p.deltas)+1)
	for _, d := range p.deltas {
		ch <- d
	}
	ch <- provider.Delta{Type: provider.DeltaDone}
	close(ch)
	return ch, nil
}

func textDeltas(parts ...string) []provider.Delta {
	out := make([]provider.Delta, 0, len(parts))
	for _, p := range parts {
		out = append(out, provider.Delta{Type: provider.DeltaText, Text: p})
	}
	return out
}

func testOrchestrator(t *testing.T, scripted *scriptedProvider) (*Orchestrator, *history.Store, *memBroker) {
	t.Helper()
	db, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := history.NewStore(db)
	broker := &memBroker{kv: map[string]string{}}

	cfg := &config.Config{}
	cfg.Provider.DefaultModel = "gpt-4o"
	cfg.Agent.MaxIterations = 10
	cfg.Tools.Timeout = time.Second

	o := New(cfg, store, broker, memory.NewClient("", ""))
	o.resolveProvider = func(model string) (provider.Provider, error) {
		return scripted, nil
	}
	return o, store, broker
}

func seedTurn(t *testing.T, store *history.Store, prompt string) (*chattypes.Task, *chattypes.Subtask, *chattypes.Subtask) {
	t.Helper()
	ctx := context.Background()
	task := &chattypes.Task{OwnerUserID: "user-1", Title: "t"}
	require.NoError(t, store.CreateTask(ctx, task))
	user := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleUser, Prompt: prompt, Status: chattypes.SubtaskCompleted}
	require.NoError(t, store.AppendSubtask(ctx, user))
	assistant := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleAssistant}
	require.NoError(t, store.AppendSubtask(ctx, assistant))
	return task, user, assistant
}

func TestRunStreamsDeltas(t *testing.T) {
	scripted := &scriptedProvider{deltas: textDeltas("hi ", "there")}
	o, store, _ := testOrchestrator(t, scripted)
	task, _, assistant := seedTurn(t, store, "hello?")

	var got []string
	outcome, err := o.Run(context.Background(), task, assistant, server.ChatRequest{
		Message: "hello?", UserID: "user-1",
	}, func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", outcome.Content)
	assert.Equal(t, []string{"hi ", "there"}, got)

	require.Len(t, scripted.requests, 1)
	req := scripted.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello?", req.Messages[0].Text())
}

func TestRunReplaysPriorTurns(t *testing.T) {
	scripted := &scriptedProvider{deltas: textDeltas("again")}
	o, store, _ := testOrchestrator(t, scripted)
	task, _, assistant := seedTurn(t, store, "first question")
	ctx := context.Background()

	require.NoError(t, store.UpdateSubtaskResult(ctx, assistant.ID, chattypes.Result{Value: "first answer"}, chattypes.SubtaskCompleted))
	user2 := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleUser, Prompt: "second question", Status: chattypes.SubtaskCompleted}
	require.NoError(t, store.AppendSubtask(ctx, user2))
	assistant2 := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleAssistant}
	require.NoError(t, store.AppendSubtask(ctx, assistant2))

	_, err := o.Run(ctx, task, assistant2, server.ChatRequest{Message: "second question", UserID: "user-1"}, func(string) error { return nil })
	require.NoError(t, err)

	req := scripted.requests[0]
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "first question", req.Messages[0].Text())
	assert.Equal(t, "first answer", req.Messages[1].Content)
	assert.Equal(t, "second question", req.Messages[2].Text())
}

func TestRunInjectsDirectKnowledge(t *testing.T) {
	scripted := &scriptedProvider{deltas: textDeltas("grounded answer")}
	o, store, _ := testOrchestrator(t, scripted)
	task, user, assistant := seedTurn(t, store, "what does the handbook say?")
	ctx := context.Background()

	attachment := &chattypes.Context{
		SubtaskID:     user.ID,
		Type:          chattypes.ContextAttachment,
		Status:        chattypes.ContextReady,
		ExtractedText: "vacation policy: 25 days",
	}
	require.NoError(t, store.CreateContext(ctx, attachment))
	kb := &chattypes.KnowledgeBase{
		OwnerUserID: "user-1",
		Name:        "Handbook",
		Documents: []chattypes.Document{
			{AttachmentID: attachment.ID, Name: "policies", FileExtension: "md", IsActive: true},
		},
	}
	require.NoError(t, store.CreateKnowledgeBase(ctx, kb))
	require.NoError(t, store.CreateContext(ctx, &chattypes.Context{
		SubtaskID:   user.ID,
		Type:        chattypes.ContextKnowledgeBase,
		Status:      chattypes.ContextReady,
		KnowledgeID: kb.ID,
	}))

	_, err := o.Run(ctx, task, assistant, server.ChatRequest{Message: "what does the handbook say?", UserID: "user-1"}, func(string) error { return nil })
	require.NoError(t, err)

	req := scripted.requests[0]
	content := req.Messages[0].Text()
	assert.Contains(t, content, "[Knowledge Base: Handbook (ID: "+kb.ID+")]")
	assert.Contains(t, content, "vacation policy: 25 days")
	// No KB has RAG enabled, so the system prompt offers exploration only.
	assert.Contains(t, req.System, "exploration")
}

func TestRunHonoursCancelFlag(t *testing.T) {
	scripted := &scriptedProvider{deltas: textDeltas("never sent")}
	o, store, broker := testOrchestrator(t, scripted)
	task, _, assistant := seedTurn(t, store, "hello?")
	ctx := context.Background()

	require.NoError(t, stream.MarkCancelled(ctx, broker, assistant.ID))
	outcome, err := o.Run(ctx, task, assistant, server.ChatRequest{Message: "hello?", UserID: "user-1"}, func(string) error { return nil })
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.Empty(t, scripted.requests)
}

func TestRunWritesMemoryDespitePipelineFailure(t *testing.T) {
	var mu sync.Mutex
	var saves []struct {
		UserID   string          `json:"user_id"`
		Metadata memory.Metadata `json:"metadata"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/memories":
			var body struct {
				UserID   string          `json:"user_id"`
				Metadata memory.Metadata `json:"metadata"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			saves = append(saves, body)
			mu.Unlock()
			w.Write([]byte("{}"))
		case "/memories/search":
			w.Write([]byte(`{"memories":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	o, store, _ := testOrchestrator(t, &scriptedProvider{})
	o.memory = memory.NewClient(ts.URL, "")
	o.resolveProvider = func(string) (provider.Provider, error) {
		return nil, errors.New("provider down")
	}

	ctx := context.Background()
	task := &chattypes.Task{OwnerUserID: "user-1", Title: "standup", IsGroupChat: true}
	require.NoError(t, store.CreateTask(ctx, task))
	user := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleUser, Prompt: "@ai summarise", Status: chattypes.SubtaskCompleted}
	require.NoError(t, store.AppendSubtask(ctx, user))
	assistant := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleAssistant}
	require.NoError(t, store.AppendSubtask(ctx, assistant))

	_, err := o.Run(ctx, task, assistant, server.ChatRequest{
		Message: "@ai summarise", UserID: "user-1", TeamID: "team-9",
	}, func(string) error { return nil })
	require.Error(t, err)

	// The write-behind fires before provider resolution, so the turn's
	// failure must not lose it. Group chats are saved too.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saves) == 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	got := saves[0]
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "team-9", got.Metadata.TeamID)
	assert.True(t, got.Metadata.IsGroupChat)
	assert.Equal(t, strconv.FormatInt(task.ID, 10), got.Metadata.GroupID)
	assert.Equal(t, strconv.FormatInt(task.ID, 10), got.Metadata.TaskID)
	assert.Equal(t, strconv.FormatInt(assistant.ID, 10), got.Metadata.SubtaskID)
}

func TestRunSurfacesSinkFailure(t *testing.T) {
	scripted := &scriptedProvider{deltas: textDeltas("a", "b", "c")}
	o, store, _ := testOrchestrator(t, scripted)
	task, _, assistant := seedTurn(t, store, "hello?")

	_, err := o.Run(context.Background(), task, assistant, server.ChatRequest{Message: "hello?", UserID: "user-1"}, func(string) error {
		return errors.New("client gone")
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "client gone"))
}
