// Package server is the HTTP boundary of the gateway: the chat-facing SSE
// surface and the internal chat-storage API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/fluxgate-ai/fluxgate/pkg/agent"
	"github.com/fluxgate-ai/fluxgate/pkg/blob"
	"github.com/fluxgate-ai/fluxgate/pkg/history"
	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/memory"
	"github.com/fluxgate-ai/fluxgate/pkg/stream"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	Message              string   `json:"message"`
	TeamID               string   `json:"team_id"`
	TeamName             string   `json:"team_name,omitempty"`
	TaskID               int64    `json:"task_id,omitempty"`
	Title                string   `json:"title,omitempty"`
	ModelID              string   `json:"model_id,omitempty"`
	ForceOverrideModel   bool     `json:"force_override_bot_model,omitempty"`
	UserID               string   `json:"user_id"`
	Username             string   `json:"username,omitempty"`
	AttachmentID         int64    `json:"attachment_id,omitempty"`
	EnableWebSearch      bool     `json:"enable_web_search,omitempty"`
	SearchEngine         string   `json:"search_engine,omitempty"`
	EnableClarification  bool     `json:"enable_clarification,omitempty"`
	SubtaskID            int64    `json:"subtask_id,omitempty"`
	Offset               *int     `json:"offset,omitempty"`
	IsGroupChat          bool     `json:"is_group_chat,omitempty"`
	GroupMemberIDs       []string `json:"group_member_ids,omitempty"`
	SelectedKnowledgeIDs []string `json:"selected_knowledge_ids,omitempty"`
}

// Outcome is the pipeline's view of one finished turn: the agent loop
// result plus per-session facts the loop itself does not track.
type Outcome struct {
	agent.Result
	LoadedSkills []string
}

// Pipeline produces the assistant response for one subtask. onDelta is
// called for every token; returning an error from it aborts generation.
type Pipeline interface {
	Run(ctx context.Context, task *chattypes.Task, subtask *chattypes.Subtask, req ChatRequest, onDelta func(string) error) (Outcome, error)
}

// Server wires the HTTP routes.
type Server struct {
	router   *mux.Router
	store    *history.Store
	broker   stream.Broker
	pipeline Pipeline
	blobs    *blob.Store
	memory   *memory.Client

	cacheInterval time.Duration
	flushInterval time.Duration
}

// Options tunes the server.
type Options struct {
	CacheInterval time.Duration
	FlushInterval time.Duration
	Blobs         *blob.Store
	Memory        *memory.Client
}

// New builds the server.
func New(store *history.Store, broker stream.Broker, pipeline Pipeline, opts Options) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		store:         store,
		broker:        broker,
		pipeline:      pipeline,
		blobs:         opts.Blobs,
		memory:        opts.Memory,
		cacheInterval: opts.CacheInterval,
		flushInterval: opts.FlushInterval,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/chat/stream", s.handleChatStream).Methods("POST")
	s.router.HandleFunc("/chat/cancel", s.handleCancel).Methods("POST")
	s.router.HandleFunc("/chat/streaming-content/{subtask_id}", s.handleStreamingContent).Methods("GET")
	s.router.HandleFunc("/chat/resume-stream/{subtask_id}", s.handleResumeStream).Methods("GET")

	internal := s.router.PathPrefix("/internal/chat").Subrouter()
	internal.HandleFunc("/history/{session_id}", s.handleGetHistory).Methods("GET")
	internal.HandleFunc("/history/{session_id}/messages", s.handleAppendMessage).Methods("POST")
	internal.HandleFunc("/history/{session_id}/messages/batch", s.handleAppendBatch).Methods("POST")
	internal.HandleFunc("/history/{session_id}/messages/{message_id}", s.handlePatchMessage).Methods("PATCH")
	internal.HandleFunc("/history/{session_id}/messages/{message_id}", s.handleDeleteMessage).Methods("DELETE")
	internal.HandleFunc("/history/{session_id}", s.handleDeleteAll).Methods("DELETE")
	internal.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	internal.HandleFunc("/history/{session_id}/messages/{message_id}/attachments", s.handleUploadAttachment).Methods("POST")
	internal.HandleFunc("/attachments/{attachment_id}", s.handleDownloadAttachment).Methods("GET")
	internal.HandleFunc("/tool-results/{session_id}", s.handlePutTransient("tool-results")).Methods("POST")
	internal.HandleFunc("/tool-results/{session_id}", s.handleGetTransient("tool-results")).Methods("GET")
	internal.HandleFunc("/pending-tool-calls/{session_id}", s.handlePutTransient("pending-tool-calls")).Methods("POST")
	internal.HandleFunc("/pending-tool-calls/{session_id}", s.handleGetTransient("pending-tool-calls")).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rw.statusCode,
			"duration": time.Since(start),
		}).Info("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE works through the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
