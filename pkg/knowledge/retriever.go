// Package knowledge materialises knowledge-base content into prompts. Three
// modes cooperate per KB: direct injection of whole documents, RAG retrieval
// through the vector service, and deterministic kb_head document slices
// replayed across turns.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// DefaultKBHeadLimit caps the total bytes of one kb_head read across
// documents unless overridden.
const DefaultKBHeadLimit = 50000

// Store gives the retriever access to knowledge bases and the extracted text
// behind their documents. Implemented by the history store.
type Store interface {
	GetKnowledgeBase(ctx context.Context, kbID string) (*chattypes.KnowledgeBase, error)
	// AttachmentText returns the extracted text of an attachment context.
	AttachmentText(ctx context.Context, attachmentID int64) (string, error)
}

// Retriever implements the three retrieval modes.
type Retriever struct {
	store  Store
	vector VectorClient
	// headLimit caps kb_head reads; zero means DefaultKBHeadLimit.
	headLimit int
}

// NewRetriever builds a retriever over the given store and vector client.
func NewRetriever(store Store, vector VectorClient, headLimit int) *Retriever {
	if headLimit <= 0 {
		headLimit = DefaultKBHeadLimit
	}
	return &Retriever{store: store, vector: vector, headLimit: headLimit}
}

// documentHeader prefixes each materialised document.
func documentHeader(doc chattypes.Document) string {
	return fmt.Sprintf("## Document: %s (%s)\n\n", doc.Name, doc.FileExtension)
}

// MaterialiseDirect concatenates all active documents of a knowledge base in
// creation order, each prefixed with its document header. The context record
// stores only the injection-mode flag; text is rebuilt on every read by
// walking document -> attachment -> extracted text.
func (r *Retriever) MaterialiseDirect(ctx context.Context, kbID string) (string, error) {
	kb, err := r.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load knowledge base %s", kbID)
	}
	var sb strings.Builder
	for _, doc := range kb.Documents {
		if !doc.IsActive {
			continue
		}
		text, err := r.store.AttachmentText(ctx, doc.AttachmentID)
		if err != nil {
			return "", errors.Wrapf(err, "failed to load document %s", doc.ID)
		}
		sb.WriteString(documentHeader(doc))
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// Retrieve performs RAG retrieval and returns the concatenated snippets plus
// the persistable result record.
func (r *Retriever) Retrieve(ctx context.Context, query string, kbIDs []string, documentIDs []string) (*chattypes.RAGResult, error) {
	chunks, err := r.vector.Search(ctx, query, kbIDs, documentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "vector search failed")
	}
	var sb strings.Builder
	sources := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(chunk.Content)
		if chunk.Source != "" {
			sources = append(sources, chunk.Source)
		}
	}
	kbID := ""
	if len(kbIDs) > 0 {
		kbID = kbIDs[0]
	}
	result := &chattypes.RAGResult{
		KBID:       kbID,
		Query:      query,
		Content:    sb.String(),
		ChunkCount: len(chunks),
		Sources:    sources,
		CreatedAt:  time.Now().UTC(),
	}
	logger.G(ctx).WithField("kb_ids", kbIDs).
		WithField("chunks", len(chunks)).
		Debug("rag retrieval complete")
	return result, nil
}

// Slice rematerialises the byte-exact document slice recorded by a kb_head
// call: per-document offset/limit with min(offset, len) clamping and a total
// budget.
func (r *Retriever) Slice(ctx context.Context, kbID string, documentIDs []string, offset, limit int) (string, error) {
	kb, err := r.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return "", errors.Wrapf(err, "failed to load knowledge base %s", kbID)
	}
	if limit <= 0 || limit > r.headLimit {
		limit = r.headLimit
	}
	if offset < 0 {
		offset = 0
	}

	wanted := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		wanted[id] = true
	}

	var sb strings.Builder
	remaining := limit
	for _, doc := range kb.Documents {
		if remaining <= 0 {
			break
		}
		if len(wanted) > 0 && !wanted[doc.ID] {
			continue
		}
		if !doc.IsActive {
			continue
		}
		text, err := r.store.AttachmentText(ctx, doc.AttachmentID)
		if err != nil {
			return "", errors.Wrapf(err, "failed to load document %s", doc.ID)
		}
		start := offset
		if start > len(text) {
			start = len(text)
		}
		end := start + remaining
		if end > len(text) {
			end = len(text)
		}
		slice := text[start:end]
		remaining -= len(slice)
		sb.WriteString(documentHeader(doc))
		sb.WriteString(slice)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// RecordRetrieval routes both rag and kb_head payloads onto the same backing
// context record: one method, two payload shapes.
func RecordRetrieval(record *chattypes.Context, rag *chattypes.RAGResult, head *chattypes.KBHeadResult) {
	switch {
	case rag != nil:
		record.TypeData.InjectionMode = chattypes.InjectionRAG
		record.TypeData.RAGResult = rag
	case head != nil:
		record.TypeData.InjectionMode = chattypes.InjectionKBHead
		record.TypeData.KBHeadResult = head
	}
}
