package server

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// StreamFrame is one SSE data payload of /chat/stream.
type StreamFrame struct {
	TaskID    int64             `json:"task_id,omitempty"`
	SubtaskID int64             `json:"subtask_id,omitempty"`
	Offset    int               `json:"offset"`
	Content   string            `json:"content"`
	Done      bool              `json:"done"`
	Result    *chattypes.Result `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	// AiTriggered is false on group-chat messages that carried no mention;
	// absent otherwise.
	AiTriggered *bool `json:"ai_triggered,omitempty"`
}

// sseWriter frames JSON payloads as server-sent events and flushes after
// every write so tokens reach the client immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Send(frame StreamFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	if _, err := s.w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return errors.Wrap(err, "client gone")
	}
	s.flusher.Flush()
	return nil
}
