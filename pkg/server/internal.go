package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// transientTTL bounds how long tool-call state survives between turns.
const transientTTL = 15 * time.Minute

func (s *Server) sessionTaskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	taskID, err := ParseSessionID(mux.Vars(r)["session_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return taskID, true
}

// handleGetHistory serves GET /internal/chat/history/{session_id}. limit
// selects the most recent N messages; the page itself is oldest-first.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	messages, err := s.store.ListMessages(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if raw := r.URL.Query().Get("before_message_id"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before_message_id")
			return
		}
		filtered := messages[:0]
		for _, msg := range messages {
			if msg.MessageID < before {
				filtered = append(filtered, msg)
			}
		}
		messages = filtered
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < len(messages) {
			messages = messages[len(messages)-limit:]
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": mux.Vars(r)["session_id"],
		"messages":   messages,
	})
}

type appendMessageRequest struct {
	Role         chattypes.Role    `json:"role"`
	Content      string            `json:"content"`
	SenderUserID string            `json:"sender_user_id,omitempty"`
	Result       *chattypes.Result `json:"result,omitempty"`
	Status       string            `json:"status,omitempty"`
}

func (req appendMessageRequest) toSubtask(taskID int64) (*chattypes.Subtask, error) {
	if req.Role != chattypes.RoleUser && req.Role != chattypes.RoleAssistant {
		return nil, errors.Errorf("invalid role %q", req.Role)
	}
	subtask := &chattypes.Subtask{
		TaskID:       taskID,
		Role:         req.Role,
		SenderUserID: req.SenderUserID,
	}
	if req.Role == chattypes.RoleUser {
		subtask.Prompt = req.Content
	} else if req.Content != "" || req.Result != nil {
		result := chattypes.Result{Value: req.Content}
		if req.Result != nil {
			result = *req.Result
			if result.Value == "" {
				result.Value = req.Content
			}
		}
		subtask.Result = &result
		subtask.Status = chattypes.SubtaskCompleted
	}
	if req.Status != "" {
		subtask.Status = chattypes.SubtaskStatus(req.Status)
	}
	return subtask, nil
}

// handleAppendMessage serves POST /internal/chat/history/{session_id}/messages.
func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	subtask, err := req.toSubtask(taskID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.AppendSubtask(r.Context(), subtask); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, subtask)
}

// handleAppendBatch serves POST /internal/chat/history/{session_id}/messages/batch.
// The whole batch is one transaction: either every message lands or none do.
func (s *Server) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	var req struct {
		Messages []appendMessageRequest `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	subtasks := make([]*chattypes.Subtask, 0, len(req.Messages))
	for _, msg := range req.Messages {
		subtask, err := msg.toSubtask(taskID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		subtasks = append(subtasks, subtask)
	}
	if err := s.store.AppendSubtasks(r.Context(), subtasks); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"messages": subtasks})
}

func messageIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	messageID, err := strconv.ParseInt(mux.Vars(r)["message_id"], 10, 64)
	if err != nil || messageID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return 0, false
	}
	return messageID, true
}

// handlePatchMessage serves PATCH .../messages/{message_id}. USER messages
// update the prompt, ASSISTANT messages update the result value.
func (s *Server) handlePatchMessage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	messageID, ok := messageIDVar(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.UpdateMessageContent(r.Context(), taskID, messageID, req.Content); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	message, err := s.store.GetMessage(r.Context(), taskID, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, message)
}

// handleDeleteMessage serves DELETE .../messages/{message_id}. Soft delete:
// the row becomes a tombstone and its message_id is never reused.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	messageID, ok := messageIDVar(w, r)
	if !ok {
		return
	}
	if err := s.store.SoftDeleteMessage(r.Context(), taskID, messageID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteAll serves DELETE /internal/chat/history/{session_id}.
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.store.SoftDeleteAllMessages(ctx, taskID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Long-term memories derived from this session are deleted with it.
	if s.memory != nil && s.memory.Enabled() {
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.memory.DeleteTaskMemories(cleanupCtx, task.OwnerUserID, strconv.FormatInt(taskID, 10)); err != nil {
				logger.G(cleanupCtx).WithError(err).WithField("task_id", taskID).Warn("memory cascade delete failed")
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleListSessions serves GET /internal/chat/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = parsed
	}
	sessions, err := s.store.ListSessionIDs(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func transientKey(prefix string, taskID int64) string {
	return prefix + ":" + strconv.FormatInt(taskID, 10)
}

// handlePutTransient stores opaque per-session tool-call state in the cache.
// The body is kept verbatim and expires on its own.
func (s *Server) handlePutTransient(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := s.sessionTaskID(w, r)
		if !ok {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "body must be JSON")
			return
		}
		if err := s.broker.Set(r.Context(), transientKey(prefix, taskID), string(body), transientTTL); err != nil {
			logger.G(r.Context()).WithError(err).Error("failed to store transient state")
			writeError(w, http.StatusInternalServerError, "failed to store")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// handleGetTransient returns the stored state, or an empty object when the
// entry expired or never existed.
func (s *Server) handleGetTransient(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := s.sessionTaskID(w, r)
		if !ok {
			return
		}
		raw, found, err := s.broker.Get(r.Context(), transientKey(prefix, taskID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !found {
			raw = "{}"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(raw))
	}
}
