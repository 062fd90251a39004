package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/stream"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// handleChatStream serves POST /chat/stream: resume mode when subtask_id and
// offset are both present, otherwise create-or-continue.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SubtaskID != 0 && req.Offset != nil {
		s.resumeStream(w, r, req.SubtaskID, *req.Offset)
		return
	}

	if req.Message == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "message and user_id are required")
		return
	}
	ctx := r.Context()

	task, err := s.resolveTask(r, &req)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	userSubtask := &chattypes.Subtask{
		TaskID:       task.ID,
		Role:         chattypes.RoleUser,
		SenderUserID: req.UserID,
		Prompt:       req.Message,
		Status:       chattypes.SubtaskCompleted,
	}
	if err := s.store.AppendSubtask(ctx, userSubtask); err != nil {
		logger.G(ctx).WithError(err).Error("failed to persist user message")
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	// Group chats only answer on an explicit @TeamName mention; the
	// message itself is always persisted.
	teamName := req.TeamName
	if teamName == "" {
		teamName = req.TeamID
	}
	if !stream.ShouldTrigger(task.IsGroupChat, req.Message, teamName) {
		stream.NotifyMembers(ctx, s.broker, req.GroupMemberIDs, req.UserID, map[string]any{
			"event":   "task_update",
			"task_id": task.ID,
		})
		w.Header().Set("X-Task-Id", strconv.FormatInt(task.ID, 10))
		w.Header().Set("X-Subtask-Id", strconv.FormatInt(userSubtask.ID, 10))
		sse, err := newSSEWriter(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		notTriggered := false
		_ = sse.Send(StreamFrame{TaskID: task.ID, SubtaskID: userSubtask.ID})
		_ = sse.Send(StreamFrame{Done: true, Result: &chattypes.Result{}, AiTriggered: &notTriggered})
		return
	}

	assistant := &chattypes.Subtask{TaskID: task.ID, Role: chattypes.RoleAssistant}
	if err := s.store.AppendSubtask(ctx, assistant); err != nil {
		logger.G(ctx).WithError(err).Error("failed to create assistant subtask")
		writeError(w, http.StatusInternalServerError, "failed to create response")
		return
	}

	w.Header().Set("X-Task-Id", strconv.FormatInt(task.ID, 10))
	w.Header().Set("X-Subtask-Id", strconv.FormatInt(assistant.ID, 10))
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.Send(StreamFrame{TaskID: task.ID, SubtaskID: assistant.ID}); err != nil {
		return
	}

	producer := stream.NewProducer(s.broker, s.store, assistant, stream.ProducerOptions{
		CacheInterval: s.cacheInterval,
		FlushInterval: s.flushInterval,
	})
	if task.IsGroupChat {
		producer.RegisterTyping(ctx, req.UserID, req.Username)
	}

	offset := 0
	onDelta := func(text string) error {
		if err := producer.Append(ctx, text); err != nil {
			return err
		}
		offset += len(text)
		return sse.Send(StreamFrame{Offset: offset, Content: text})
	}

	result, err := s.pipeline.Run(ctx, task, assistant, req, onDelta)
	if err != nil {
		logger.G(ctx).WithError(err).Error("pipeline failed")
		if failErr := producer.Fail(ctx, err.Error()); failErr != nil {
			logger.G(ctx).WithError(failErr).Error("failed to record failure")
		}
		_ = sse.Send(StreamFrame{Error: err.Error()})
		return
	}

	final := chattypes.Result{
		Value:        result.Content,
		Incomplete:   result.Incomplete,
		LoadedSkills: result.LoadedSkills,
	}
	if result.Structured != "" {
		final.Value = result.Structured
	}

	switch {
	case result.Cancelled:
		if err := producer.CompleteCancelled(ctx, result.Content); err != nil {
			logger.G(ctx).WithError(err).Error("failed to complete cancelled stream")
		}
		final.Value = producer.Content()
	case stream.IsCancelled(ctx, s.broker, assistant.ID):
		// Cancel landed after the loop's last check; the streamed partial is
		// the result, never the full content.
		if err := producer.CompleteCancelled(ctx, producer.Content()); err != nil {
			logger.G(ctx).WithError(err).Error("failed to complete cancelled stream")
		}
		final = chattypes.Result{Value: producer.Content()}
	default:
		if err := producer.Complete(ctx, final); err != nil {
			logger.G(ctx).WithError(err).Error("failed to complete stream")
			_ = sse.Send(StreamFrame{Error: "failed to persist result"})
			return
		}
		if final.Value == "" {
			final.Value = producer.Content()
		}
	}

	if task.IsGroupChat {
		stream.NotifyMembers(ctx, s.broker, req.GroupMemberIDs, req.UserID, map[string]any{
			"event":      "task_update",
			"task_id":    task.ID,
			"subtask_id": assistant.ID,
		})
	}
	_ = sse.Send(StreamFrame{Offset: offset, Done: true, Result: &final})
}

func (s *Server) resolveTask(r *http.Request, req *ChatRequest) (*chattypes.Task, error) {
	ctx := r.Context()
	if req.TaskID != 0 {
		task, err := s.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		// A follow-up on a finished thread reopens it.
		if task.Status == chattypes.TaskCompleted {
			if err := s.store.UpdateTaskStatus(ctx, task.ID, chattypes.TaskPending); err != nil {
				return nil, err
			}
			task.Status = chattypes.TaskPending
		}
		return task, nil
	}

	title := req.Title
	if title == "" {
		title = truncateTitle(req.Message)
	}
	task := &chattypes.Task{
		OwnerUserID: req.UserID,
		TeamID:      req.TeamID,
		Title:       title,
		IsGroupChat: req.IsGroupChat,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func truncateTitle(message string) string {
	const maxTitle = 80
	if len(message) <= maxTitle {
		return message
	}
	return message[:maxTitle]
}

// resumeStream replays a stream over SSE from a byte offset.
func (s *Server) resumeStream(w http.ResponseWriter, r *http.Request, subtaskID int64, offset int) {
	ctx := r.Context()
	subtask, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("X-Task-Id", strconv.FormatInt(subtask.TaskID, 10))
	w.Header().Set("X-Subtask-Id", strconv.FormatInt(subtaskID, 10))
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := sse.Send(StreamFrame{TaskID: subtask.TaskID, SubtaskID: subtaskID, Offset: offset}); err != nil {
		return
	}

	resumer := stream.NewResumer(s.broker, s.store, 0)
	err = resumer.Resume(ctx, subtaskID, offset, func(f stream.Frame) error {
		switch {
		case f.Err != "":
			return sse.Send(StreamFrame{Error: f.Err})
		case f.Done != nil:
			return sse.Send(StreamFrame{Offset: f.Offset, Done: true, Result: f.Done})
		default:
			return sse.Send(StreamFrame{Offset: f.Offset, Content: f.Text})
		}
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("resume aborted")
	}
}

// handleCancel serves POST /chat/cancel. Idempotent: cancelling a finished
// stream succeeds.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubtaskID      int64  `json:"subtask_id"`
		PartialContent string `json:"partial_content,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubtaskID == 0 {
		writeError(w, http.StatusBadRequest, "subtask_id is required")
		return
	}
	ctx := r.Context()

	subtask, err := s.store.GetSubtask(ctx, req.SubtaskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if subtask.Status.Terminal() {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "already finished"})
		return
	}

	if err := stream.MarkCancelled(ctx, s.broker, req.SubtaskID); err != nil {
		logger.G(ctx).WithError(err).Error("failed to set cancel flag")
		writeError(w, http.StatusInternalServerError, "failed to cancel")
		return
	}

	// Flip the subtask to COMPLETED with the forwarded partial; never an
	// error message. The producer observes the flag and stops.
	partial := req.PartialContent
	if err := s.store.UpdateSubtaskResult(ctx, req.SubtaskID, chattypes.Result{Value: partial}, chattypes.SubtaskCompleted); err != nil {
		logger.G(ctx).WithError(err).Error("failed to complete cancelled subtask")
		writeError(w, http.StatusInternalServerError, "failed to cancel")
		return
	}
	if err := s.store.UpdateTaskStatus(ctx, subtask.TaskID, chattypes.TaskCompleted); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to complete task after cancel")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "cancelled"})
}

// handleStreamingContent serves GET /chat/streaming-content/{subtask_id} for
// refresh recovery: cache first, durable state as fallback.
func (s *Server) handleStreamingContent(w http.ResponseWriter, r *http.Request) {
	subtaskID, err := strconv.ParseInt(mux.Vars(r)["subtask_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subtask id")
		return
	}
	ctx := r.Context()

	subtask, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	content := ""
	source := "database"
	streaming := !subtask.Status.Terminal()
	incomplete := false
	if subtask.Result != nil {
		content = subtask.Result.Value
		incomplete = subtask.Result.Incomplete
	}
	if streaming {
		if cached, ok, err := s.broker.Get(ctx, stream.CacheKeyFor(subtaskID)); err == nil && ok && len(cached) > len(content) {
			content = cached
			source = "redis"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"content":    content,
		"source":     source,
		"streaming":  streaming,
		"status":     subtask.Status,
		"incomplete": incomplete,
	})
}

// handleResumeStream serves the legacy GET resume without an offset.
func (s *Server) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	subtaskID, err := strconv.ParseInt(mux.Vars(r)["subtask_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subtask id")
		return
	}
	s.resumeStream(w, r, subtaskID, 0)
}
