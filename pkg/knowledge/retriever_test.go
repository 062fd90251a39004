package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

type fakeStore struct {
	kbs  map[string]*chattypes.KnowledgeBase
	text map[int64]string
}

func (f *fakeStore) GetKnowledgeBase(_ context.Context, kbID string) (*chattypes.KnowledgeBase, error) {
	kb, ok := f.kbs[kbID]
	if !ok {
		return nil, errors.Errorf("kb %s not found", kbID)
	}
	return kb, nil
}

func (f *fakeStore) AttachmentText(_ context.Context, attachmentID int64) (string, error) {
	text, ok := f.text[attachmentID]
	if !ok {
		return "", errors.Errorf("attachment %d not found", attachmentID)
	}
	return text, nil
}

type fakeVector struct {
	chunks []Chunk
	err    error
	query  string
}

func (f *fakeVector) Search(_ context.Context, query string, _ []string, _ []string) ([]Chunk, error) {
	f.query = query
	return f.chunks, f.err
}

func newTestStore() *fakeStore {
	return &fakeStore{
		kbs: map[string]*chattypes.KnowledgeBase{
			"kb-1": {
				ID:   "kb-1",
				Name: "Handbook",
				Documents: []chattypes.Document{
					{ID: "d1", AttachmentID: 1, Name: "intro", FileExtension: "md", IsActive: true},
					{ID: "d2", AttachmentID: 2, Name: "policies", FileExtension: "pdf", IsActive: true},
					{ID: "d3", AttachmentID: 3, Name: "draft", FileExtension: "txt", IsActive: false},
				},
			},
		},
		text: map[int64]string{
			1: "intro text",
			2: "policy text",
			3: "inactive draft",
		},
	}
}

func TestMaterialiseDirect(t *testing.T) {
	r := NewRetriever(newTestStore(), nil, 0)
	out, err := r.MaterialiseDirect(context.Background(), "kb-1")
	require.NoError(t, err)

	// Active documents in creation order, each with its header; inactive
	// documents are skipped.
	expected := "## Document: intro (md)\n\nintro text\n\n## Document: policies (pdf)\n\npolicy text\n\n"
	assert.Equal(t, expected, out)
	assert.NotContains(t, out, "inactive draft")
}

func TestMaterialiseDirectUnknownKB(t *testing.T) {
	r := NewRetriever(newTestStore(), nil, 0)
	_, err := r.MaterialiseDirect(context.Background(), "kb-missing")
	assert.Error(t, err)
}

func TestRetrieve(t *testing.T) {
	vec := &fakeVector{chunks: []Chunk{
		{Content: "first chunk", Source: "doc-a"},
		{Content: "second chunk", Source: "doc-b"},
	}}
	r := NewRetriever(newTestStore(), vec, 0)

	result, err := r.Retrieve(context.Background(), "what is the policy", []string{"kb-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "kb-1", result.KBID)
	assert.Equal(t, "what is the policy", result.Query)
	assert.Equal(t, "first chunk\n\nsecond chunk", result.Content)
	assert.Equal(t, 2, result.ChunkCount)
	assert.Equal(t, []string{"doc-a", "doc-b"}, result.Sources)
	assert.Equal(t, "what is the policy", vec.query)
}

func TestRetrieveError(t *testing.T) {
	vec := &fakeVector{err: errors.New("vector down")}
	r := NewRetriever(newTestStore(), vec, 0)
	_, err := r.Retrieve(context.Background(), "q", []string{"kb-1"}, nil)
	assert.Error(t, err)
}

func TestSliceClamping(t *testing.T) {
	store := newTestStore()
	store.text[1] = strings.Repeat("a", 100)
	store.text[2] = strings.Repeat("b", 100)
	r := NewRetriever(store, nil, 0)

	// Offset beyond one document clamps to its length; the other still
	// contributes from its own offset.
	out, err := r.Slice(context.Background(), "kb-1", []string{"d1", "d2"}, 50, 80)
	require.NoError(t, err)
	assert.Contains(t, out, strings.Repeat("a", 50))
	assert.Contains(t, out, strings.Repeat("b", 30))

	// Offset past everything yields only headers.
	out, err = r.Slice(context.Background(), "kb-1", []string{"d1"}, 1000, 80)
	require.NoError(t, err)
	assert.Contains(t, out, "## Document: intro (md)")
	assert.NotContains(t, out, "a")
}

func TestSliceTotalBudget(t *testing.T) {
	store := newTestStore()
	store.text[1] = strings.Repeat("a", 60000)
	r := NewRetriever(store, nil, 0)

	out, err := r.Slice(context.Background(), "kb-1", []string{"d1"}, 0, 0)
	require.NoError(t, err)
	// Bounded by DefaultKBHeadLimit, not document size.
	assert.Equal(t, DefaultKBHeadLimit, strings.Count(out, "a"))
}

func TestSliceDeterministic(t *testing.T) {
	store := newTestStore()
	store.text[1] = strings.Repeat("xyz", 1000)
	r := NewRetriever(store, nil, 0)

	first, err := r.Slice(context.Background(), "kb-1", []string{"d1"}, 10, 500)
	require.NoError(t, err)
	second, err := r.Slice(context.Background(), "kb-1", []string{"d1"}, 10, 500)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRecordRetrieval(t *testing.T) {
	record := &chattypes.Context{Type: chattypes.ContextKnowledgeBase}

	RecordRetrieval(record, &chattypes.RAGResult{KBID: "kb-1", Content: "c"}, nil)
	assert.Equal(t, chattypes.InjectionRAG, record.TypeData.InjectionMode)
	require.NotNil(t, record.TypeData.RAGResult)

	record = &chattypes.Context{Type: chattypes.ContextKnowledgeBase}
	RecordRetrieval(record, nil, &chattypes.KBHeadResult{KBID: "kb-1", DocumentIDs: []string{"d1"}})
	assert.Equal(t, chattypes.InjectionKBHead, record.TypeData.InjectionMode)
	require.NotNil(t, record.TypeData.KBHeadResult)
}
