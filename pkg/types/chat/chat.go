// Package chat defines the persistent entities of the gateway: tasks
// (conversation threads), subtasks (turns), and subtask contexts
// (attachment and knowledge-base bindings).
package chat

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle status of a conversation thread.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// SubtaskStatus is the lifecycle status of a single turn.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskRunning   SubtaskStatus = "RUNNING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
	SubtaskDeleted   SubtaskStatus = "DELETE"
)

// Role identifies the author of a subtask.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Task is a conversation root.
type Task struct {
	ID          int64      `json:"task_id" db:"id"`
	OwnerUserID string     `json:"owner_user_id" db:"owner_user_id"`
	TeamID      string     `json:"team_id" db:"team_id"`
	Title       string     `json:"title" db:"title"`
	IsGroupChat bool       `json:"is_group_chat" db:"is_group_chat"`
	Status      TaskStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Subtask is a single turn within a task. MessageID is dense and 1-based per
// task; for an ASSISTANT subtask ParentID equals the immediately preceding
// USER subtask's MessageID.
type Subtask struct {
	ID           int64         `json:"subtask_id" db:"id"`
	TaskID       int64         `json:"task_id" db:"task_id"`
	MessageID    int64         `json:"message_id" db:"message_id"`
	ParentID     int64         `json:"parent_id" db:"parent_id"`
	Role         Role          `json:"role" db:"role"`
	SenderUserID string        `json:"sender_user_id,omitempty" db:"sender_user_id"`
	Prompt       string        `json:"prompt,omitempty" db:"prompt"`
	Result       *Result       `json:"result,omitempty" db:"-"`
	ResultJSON   string        `json:"-" db:"result_json"`
	Status       SubtaskStatus `json:"status" db:"status"`
	Progress     int           `json:"progress" db:"progress"`
	ErrorMessage string        `json:"error_message" db:"error_message"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// Result is the materialised assistant output.
type Result struct {
	Value        string          `json:"value"`
	Streaming    bool            `json:"streaming,omitempty"`
	Incomplete   bool            `json:"incomplete,omitempty"`
	LoadedSkills []string        `json:"loaded_skills,omitempty"`
	Correction   json.RawMessage `json:"correction,omitempty"`
}

// ContextType distinguishes attachment bindings from knowledge-base bindings.
type ContextType string

const (
	ContextAttachment    ContextType = "ATTACHMENT"
	ContextKnowledgeBase ContextType = "KNOWLEDGE_BASE"
)

// ContextStatus is the lifecycle status of a subtask context.
type ContextStatus string

const (
	ContextPending ContextStatus = "PENDING"
	ContextReady   ContextStatus = "READY"
	ContextFailed  ContextStatus = "FAILED"
)

// Context binds an attachment or knowledge base to a USER subtask. Contexts
// are frozen once READY; ASSISTANT subtasks never own contexts.
type Context struct {
	ID               int64         `json:"id" db:"id"`
	SubtaskID        int64         `json:"subtask_id" db:"subtask_id"`
	Type             ContextType   `json:"type" db:"type"`
	Status           ContextStatus `json:"status" db:"status"`
	ExtractedText    string        `json:"extracted_text,omitempty" db:"extracted_text"`
	ImageBase64      string        `json:"image_base64,omitempty" db:"image_base64"`
	MimeType         string        `json:"mime_type,omitempty" db:"mime_type"`
	FileSize         int64         `json:"file_size,omitempty" db:"file_size"`
	OriginalFilename string        `json:"original_filename,omitempty" db:"original_filename"`
	KnowledgeID      string        `json:"knowledge_id,omitempty" db:"knowledge_id"`
	Encrypted        bool          `json:"encrypted,omitempty" db:"encrypted"`
	TypeData         TypeData      `json:"type_data" db:"-"`
	TypeDataJSON     string        `json:"-" db:"type_data_json"`
}

// InjectionMode selects how a knowledge base contributes to the prompt.
type InjectionMode string

const (
	InjectionDirect InjectionMode = "direct_injection"
	InjectionRAG    InjectionMode = "rag"
	InjectionKBHead InjectionMode = "kb_head"
)

// TypeData is the polymorphic payload of a knowledge-base context record.
// Different retrieval tools contribute different variants under a shared
// header; the record is persisted as opaque JSON.
type TypeData struct {
	InjectionMode InjectionMode `json:"injection_mode,omitempty"`
	RAGResult     *RAGResult    `json:"rag_result,omitempty"`
	KBHeadResult  *KBHeadResult `json:"kb_head_result,omitempty"`
}

// RAGResult captures a vector retrieval for replay and observability.
type RAGResult struct {
	KBID       string    `json:"kb_id"`
	Query      string    `json:"query,omitempty"`
	Content    string    `json:"content"`
	ChunkCount int       `json:"chunk_count"`
	Sources    []string  `json:"sources,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// KBHeadResult records a deterministic document slice so the next turn
// rematerialises the exact same bytes.
type KBHeadResult struct {
	KBID        string    `json:"kb_id"`
	DocumentIDs []string  `json:"document_ids"`
	Offset      int       `json:"offset"`
	Limit       int       `json:"limit"`
	CreatedAt   time.Time `json:"created_at"`
}

// KnowledgeBase is a named set of documents owned by a user.
type KnowledgeBase struct {
	ID                      string     `json:"kb_id"`
	OwnerUserID             string     `json:"owner_user_id"`
	Name                    string     `json:"name"`
	Namespace               string     `json:"namespace"`
	RAGEnabled              bool       `json:"rag_enabled"`
	MaxCallsPerConversation int        `json:"max_calls_per_conversation"`
	Documents               []Document `json:"documents"`
}

// Document points at the attachment context holding its extracted bytes.
type Document struct {
	ID            string `json:"document_id"`
	AttachmentID  int64  `json:"attachment_id"`
	Name          string `json:"name"`
	FileExtension string `json:"file_extension"`
	IsActive      bool   `json:"is_active"`
}

// CanTransition reports whether a task status change is allowed. Transitions
// are forward-only except COMPLETED -> PENDING when the user sends a
// follow-up message.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case TaskPending:
		return to == TaskRunning || to == TaskCompleted || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	case TaskCompleted:
		return to == TaskPending
	case TaskFailed:
		return false
	}
	return false
}

// Terminal reports whether the subtask status is final.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed || s == SubtaskDeleted
}
