package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

type kbRow struct {
	ID                      string    `db:"id"`
	OwnerUserID             string    `db:"owner_user_id"`
	Name                    string    `db:"name"`
	Namespace               string    `db:"namespace"`
	RAGEnabled              bool      `db:"rag_enabled"`
	MaxCallsPerConversation int       `db:"max_calls_per_conversation"`
	CreatedAt               time.Time `db:"created_at"`
}

type kbDocumentRow struct {
	ID            string `db:"id"`
	KBID          string `db:"kb_id"`
	AttachmentID  int64  `db:"attachment_id"`
	Name          string `db:"name"`
	FileExtension string `db:"file_extension"`
	IsActive      bool   `db:"is_active"`
	Position      int    `db:"position"`
}

// CreateKnowledgeBase persists a knowledge base and its documents. Missing
// IDs are generated.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *chattypes.KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge_bases (id, owner_user_id, name, namespace, rag_enabled, max_calls_per_conversation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.OwnerUserID, kb.Name, kb.Namespace, kb.RAGEnabled, kb.MaxCallsPerConversation, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to insert knowledge base")
	}
	for i := range kb.Documents {
		doc := &kb.Documents[i]
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO kb_documents (id, kb_id, attachment_id, name, file_extension, is_active, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, kb.ID, doc.AttachmentID, doc.Name, doc.FileExtension, doc.IsActive, i)
		if err != nil {
			return errors.Wrapf(err, "failed to insert document %s", doc.Name)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit knowledge base")
}

// GetKnowledgeBase loads a knowledge base with its documents in creation
// order.
func (s *Store) GetKnowledgeBase(ctx context.Context, kbID string) (*chattypes.KnowledgeBase, error) {
	var row kbRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM knowledge_bases WHERE id = ?`, kbID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("knowledge base %s not found", kbID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load knowledge base")
	}

	var docRows []kbDocumentRow
	err = s.db.SelectContext(ctx, &docRows, `
		SELECT * FROM kb_documents WHERE kb_id = ? ORDER BY position`, kbID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load documents")
	}

	kb := &chattypes.KnowledgeBase{
		ID:                      row.ID,
		OwnerUserID:             row.OwnerUserID,
		Name:                    row.Name,
		Namespace:               row.Namespace,
		RAGEnabled:              row.RAGEnabled,
		MaxCallsPerConversation: row.MaxCallsPerConversation,
		Documents:               make([]chattypes.Document, 0, len(docRows)),
	}
	for _, doc := range docRows {
		kb.Documents = append(kb.Documents, chattypes.Document{
			ID:            doc.ID,
			AttachmentID:  doc.AttachmentID,
			Name:          doc.Name,
			FileExtension: doc.FileExtension,
			IsActive:      doc.IsActive,
		})
	}
	return kb, nil
}

// ListKnowledgeBases returns the IDs of a user's knowledge bases.
func (s *Store) ListKnowledgeBases(ctx context.Context, ownerUserID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM knowledge_bases WHERE owner_user_id = ? ORDER BY created_at`, ownerUserID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list knowledge bases")
	}
	return ids, nil
}

// SetDocumentActive flips a document's active flag without touching the rest
// of the knowledge base.
func (s *Store) SetDocumentActive(ctx context.Context, documentID string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE kb_documents SET is_active = ? WHERE id = ?`, active, documentID)
	if err != nil {
		return errors.Wrap(err, "failed to update document")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update")
	}
	if affected == 0 {
		return errors.Errorf("document %s not found", documentID)
	}
	return nil
}

// AttachmentText returns the extracted text behind an attachment context
// record.
func (s *Store) AttachmentText(ctx context.Context, attachmentID int64) (string, error) {
	var text string
	err := s.db.GetContext(ctx, &text, `
		SELECT extracted_text FROM subtask_contexts WHERE id = ? AND type = ?`,
		attachmentID, chattypes.ContextAttachment)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Errorf("attachment %d not found", attachmentID)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to load attachment text")
	}
	return text, nil
}
