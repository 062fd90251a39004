package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// Store persists tasks, subtasks, and context records. It is the durable
// side of the stream lifecycle and the backing of the internal chat API.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an opened database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateTask inserts a new conversation thread.
func (s *Store) CreateTask(ctx context.Context, task *chattypes.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = chattypes.TaskPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (owner_user_id, team_id, title, is_group_chat, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.OwnerUserID, task.TeamID, task.Title, task.IsGroupChat, task.Status, now, now)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	task.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read task id")
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*chattypes.Task, error) {
	var task chattypes.Task
	err := s.db.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("task %d not found", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load task")
	}
	return &task, nil
}

// UpdateTaskStatus applies a status change, enforcing forward-only
// transitions (COMPLETED -> PENDING allowed for follow-ups).
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID int64, status chattypes.TaskStatus) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(status) {
		return errors.Errorf("invalid task transition %s -> %s", task.Status, status)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), taskID)
	return errors.Wrap(err, "failed to update task status")
}

// DeleteTask tombstones the task and all its subtasks. The caller cascades
// the long-term-memory cleanup.
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE subtasks SET status = ? WHERE task_id = ?`, chattypes.SubtaskDeleted, taskID); err != nil {
		return errors.Wrap(err, "failed to tombstone subtasks")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		chattypes.TaskFailed, time.Now().UTC(), taskID); err != nil {
		return errors.Wrap(err, "failed to tombstone task")
	}
	return errors.Wrap(tx.Commit(), "failed to commit task delete")
}

// ListTasks returns task IDs for a user, newest first, with limit/offset
// pagination.
func (s *Store) ListTasks(ctx context.Context, ownerUserID string, limit, offset int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM tasks WHERE owner_user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		ownerUserID, limit, offset)
	return ids, errors.Wrap(err, "failed to list tasks")
}

// AppendSubtask assigns the next dense message_id inside one transaction and
// inserts the subtask. For ASSISTANT subtasks, parent_id is set to the
// immediately preceding live USER message.
func (s *Store) AppendSubtask(ctx context.Context, subtask *chattypes.Subtask) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := appendSubtaskTx(ctx, tx, subtask); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit subtask")
}

func appendSubtaskTx(ctx context.Context, tx *sqlx.Tx, subtask *chattypes.Subtask) error {
	var nextID int64
	if err := tx.GetContext(ctx, &nextID,
		`SELECT COALESCE(MAX(message_id), 0) + 1 FROM subtasks WHERE task_id = ?`, subtask.TaskID); err != nil {
		return errors.Wrap(err, "failed to assign message id")
	}
	subtask.MessageID = nextID

	if subtask.Role == chattypes.RoleAssistant {
		var parentID int64
		err := tx.GetContext(ctx, &parentID,
			`SELECT message_id FROM subtasks
			 WHERE task_id = ? AND role = ? AND status != ?
			 ORDER BY message_id DESC LIMIT 1`,
			subtask.TaskID, chattypes.RoleUser, chattypes.SubtaskDeleted)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.Wrap(err, "failed to resolve parent message")
		}
		subtask.ParentID = parentID
	}

	if subtask.Status == "" {
		subtask.Status = chattypes.SubtaskPending
	}
	subtask.CreatedAt = time.Now().UTC()
	if subtask.Result != nil {
		b, err := json.Marshal(subtask.Result)
		if err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
		subtask.ResultJSON = string(b)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO subtasks (task_id, message_id, parent_id, role, sender_user_id, prompt, result_json, status, progress, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subtask.TaskID, subtask.MessageID, subtask.ParentID, subtask.Role, subtask.SenderUserID,
		subtask.Prompt, subtask.ResultJSON, subtask.Status, subtask.Progress, subtask.ErrorMessage,
		subtask.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert subtask")
	}
	if subtask.ID, err = res.LastInsertId(); err != nil {
		return errors.Wrap(err, "failed to read subtask id")
	}
	return nil
}

func materialise(subtask *chattypes.Subtask) error {
	if subtask.ResultJSON == "" {
		return nil
	}
	var result chattypes.Result
	if err := json.Unmarshal([]byte(subtask.ResultJSON), &result); err != nil {
		return errors.Wrap(err, "failed to decode result")
	}
	subtask.Result = &result
	return nil
}

// GetSubtask loads one subtask with its result materialised.
func (s *Store) GetSubtask(ctx context.Context, subtaskID int64) (*chattypes.Subtask, error) {
	var subtask chattypes.Subtask
	err := s.db.GetContext(ctx, &subtask, `SELECT * FROM subtasks WHERE id = ?`, subtaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("subtask %d not found", subtaskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load subtask")
	}
	if err := materialise(&subtask); err != nil {
		return nil, err
	}
	return &subtask, nil
}

// AppendSubtasks appends several messages atomically, assigning consecutive
// dense message ids.
func (s *Store) AppendSubtasks(ctx context.Context, subtasks []*chattypes.Subtask) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, subtask := range subtasks {
		if err := appendSubtaskTx(ctx, tx, subtask); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit batch")
}

// UpdateMessageContent updates the textual content of a message by its
// per-task message id: the prompt for USER messages, the result value for
// ASSISTANT messages. Used by the internal API during streaming.
func (s *Store) UpdateMessageContent(ctx context.Context, taskID, messageID int64, content string) error {
	subtask, err := s.GetMessage(ctx, taskID, messageID)
	if err != nil {
		return err
	}
	if subtask.Role == chattypes.RoleUser {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subtasks SET prompt = ? WHERE id = ?`, content, subtask.ID)
		return errors.Wrap(err, "failed to update prompt")
	}

	result := chattypes.Result{Streaming: true}
	if subtask.Result != nil {
		result = *subtask.Result
	}
	result.Value = content
	b, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE subtasks SET result_json = ? WHERE id = ?`, string(b), subtask.ID)
	return errors.Wrap(err, "failed to update result")
}

// ListSessionIDs returns session identifiers (task-<id>) newest first.
func (s *Store) ListSessionIDs(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM tasks ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	sessions := make([]string, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, fmt.Sprintf("task-%d", id))
	}
	return sessions, nil
}

// GetMessage loads a subtask by its per-task message id.
func (s *Store) GetMessage(ctx context.Context, taskID, messageID int64) (*chattypes.Subtask, error) {
	var subtask chattypes.Subtask
	err := s.db.GetContext(ctx, &subtask,
		`SELECT * FROM subtasks WHERE task_id = ? AND message_id = ?`, taskID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("message %d not found in task %d", messageID, taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message")
	}
	if err := materialise(&subtask); err != nil {
		return nil, err
	}
	return &subtask, nil
}

// ListMessages returns the live messages of a task in message order.
func (s *Store) ListMessages(ctx context.Context, taskID int64) ([]chattypes.Subtask, error) {
	var subtasks []chattypes.Subtask
	err := s.db.SelectContext(ctx, &subtasks,
		`SELECT * FROM subtasks WHERE task_id = ? AND status != ? ORDER BY message_id`,
		taskID, chattypes.SubtaskDeleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	for i := range subtasks {
		if err := materialise(&subtasks[i]); err != nil {
			return nil, err
		}
	}
	return subtasks, nil
}

// UpdateSubtaskResult writes the result JSON and status. Terminal statuses
// record a completion time.
func (s *Store) UpdateSubtaskResult(ctx context.Context, subtaskID int64, result chattypes.Result, status chattypes.SubtaskStatus) error {
	b, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}
	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE subtasks SET result_json = ?, status = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(b), status, completedAt, subtaskID)
	return errors.Wrap(err, "failed to update subtask result")
}

// SetSubtaskError marks the subtask FAILED with an error message.
func (s *Store) SetSubtaskError(ctx context.Context, subtaskID int64, errText string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`,
		chattypes.SubtaskFailed, errText, now, subtaskID)
	return errors.Wrap(err, "failed to set subtask error")
}

// SoftDeleteMessage marks one message deleted by its per-task message id.
func (s *Store) SoftDeleteMessage(ctx context.Context, taskID, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = ? WHERE task_id = ? AND message_id = ?`,
		chattypes.SubtaskDeleted, taskID, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete")
	}
	if n == 0 {
		return errors.Errorf("message %d not found in task %d", messageID, taskID)
	}
	return nil
}

// SoftDeleteAllMessages tombstones every message of a task.
func (s *Store) SoftDeleteAllMessages(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = ? WHERE task_id = ?`, chattypes.SubtaskDeleted, taskID)
	return errors.Wrap(err, "failed to delete messages")
}

// CreateContext inserts a context record for a USER subtask.
func (s *Store) CreateContext(ctx context.Context, record *chattypes.Context) error {
	if record.Status == "" {
		record.Status = chattypes.ContextPending
	}
	if record.TypeData != (chattypes.TypeData{}) {
		b, err := json.Marshal(record.TypeData)
		if err != nil {
			return errors.Wrap(err, "failed to encode type data")
		}
		record.TypeDataJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subtask_contexts (subtask_id, type, status, extracted_text, image_base64, mime_type, file_size, original_filename, knowledge_id, encrypted, type_data_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SubtaskID, record.Type, record.Status, record.ExtractedText, record.ImageBase64,
		record.MimeType, record.FileSize, record.OriginalFilename, record.KnowledgeID,
		record.Encrypted, record.TypeDataJSON)
	if err != nil {
		return errors.Wrap(err, "failed to create context")
	}
	record.ID, err = res.LastInsertId()
	return errors.Wrap(err, "failed to read context id")
}

// SetContextEncrypted records whether the attachment's blob was encrypted
// at write time. The flag travels with the record, not the store setting.
func (s *Store) SetContextEncrypted(ctx context.Context, contextID int64, encrypted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtask_contexts SET encrypted = ? WHERE id = ?`, encrypted, contextID)
	if err != nil {
		return errors.Wrap(err, "failed to update context encryption flag")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Errorf("context %d not found", contextID)
	}
	return nil
}

// GetContext loads a single context record by id.
func (s *Store) GetContext(ctx context.Context, contextID int64) (*chattypes.Context, error) {
	var record chattypes.Context
	err := s.db.GetContext(ctx, &record, `SELECT * FROM subtask_contexts WHERE id = ?`, contextID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("context %d not found", contextID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load context")
	}
	if record.TypeDataJSON != "" {
		if err := json.Unmarshal([]byte(record.TypeDataJSON), &record.TypeData); err != nil {
			return nil, errors.Wrap(err, "failed to decode type data")
		}
	}
	return &record, nil
}

// ListContexts returns the context records of a subtask.
func (s *Store) ListContexts(ctx context.Context, subtaskID int64) ([]chattypes.Context, error) {
	var records []chattypes.Context
	err := s.db.SelectContext(ctx, &records,
		`SELECT * FROM subtask_contexts WHERE subtask_id = ? ORDER BY id`, subtaskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list contexts")
	}
	for i := range records {
		if records[i].TypeDataJSON == "" {
			continue
		}
		if err := json.Unmarshal([]byte(records[i].TypeDataJSON), &records[i].TypeData); err != nil {
			return nil, errors.Wrap(err, "failed to decode type data")
		}
	}
	return records, nil
}

// UpdateContextTypeData replaces the polymorphic retrieval payload of a
// context record. RAG and kb_head retrievals both route through here.
func (s *Store) UpdateContextTypeData(ctx context.Context, contextID int64, data chattypes.TypeData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode type data")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE subtask_contexts SET type_data_json = ?, status = ? WHERE id = ?`,
		string(b), chattypes.ContextReady, contextID)
	return errors.Wrap(err, "failed to update type data")
}
