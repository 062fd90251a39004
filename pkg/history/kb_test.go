package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

func TestKnowledgeBaseRoundTrip(t *testing.T) {
	store := testStore(t)
	task := createTask(t, store)
	ctx := context.Background()

	subtask := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleUser, Prompt: "upload"}
	require.NoError(t, store.AppendSubtask(ctx, subtask))
	attachment := &chattypes.Context{
		SubtaskID:     subtask.ID,
		Type:          chattypes.ContextAttachment,
		Status:        chattypes.ContextReady,
		ExtractedText: "chapter one",
	}
	require.NoError(t, store.CreateContext(ctx, attachment))

	kb := &chattypes.KnowledgeBase{
		OwnerUserID:             "user-1",
		Name:                    "Handbook",
		RAGEnabled:              true,
		MaxCallsPerConversation: 3,
		Documents: []chattypes.Document{
			{AttachmentID: attachment.ID, Name: "intro", FileExtension: "md", IsActive: true},
			{AttachmentID: attachment.ID, Name: "appendix", FileExtension: "md", IsActive: false},
		},
	}
	require.NoError(t, store.CreateKnowledgeBase(ctx, kb))
	require.NotEmpty(t, kb.ID)

	loaded, err := store.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, "Handbook", loaded.Name)
	assert.True(t, loaded.RAGEnabled)
	require.Len(t, loaded.Documents, 2)
	assert.Equal(t, "intro", loaded.Documents[0].Name)
	assert.False(t, loaded.Documents[1].IsActive)

	text, err := store.AttachmentText(ctx, attachment.ID)
	require.NoError(t, err)
	assert.Equal(t, "chapter one", text)

	ids, err := store.ListKnowledgeBases(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{kb.ID}, ids)

	require.NoError(t, store.SetDocumentActive(ctx, loaded.Documents[1].ID, true))
	loaded, err = store.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Documents[1].IsActive)

	_, err = store.GetKnowledgeBase(ctx, "missing")
	assert.Error(t, err)
	_, err = store.AttachmentText(ctx, 999)
	assert.Error(t, err)
}
