package server

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// maxAttachmentBytes bounds a single uploaded attachment.
const maxAttachmentBytes = 10 << 20

// handleUploadAttachment serves
// POST /internal/chat/history/{session_id}/messages/{message_id}/attachments.
// The raw body is the attachment; Content-Type carries the mime type and the
// filename query parameter names the file. Bytes land in the blob store and
// the per-record encryption flag is recorded on the context row, so blobs
// written before and after an encryption toggle stay readable.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "attachment storage is not configured")
		return
	}
	taskID, ok := s.sessionTaskID(w, r)
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(mux.Vars(r)["message_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	ctx := r.Context()

	msg, err := s.store.GetMessage(ctx, taskID, messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAttachmentBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read attachment body")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "attachment body is empty")
		return
	}
	if len(data) > maxAttachmentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "attachment exceeds 10 MiB")
		return
	}

	filename := r.URL.Query().Get("filename")
	mimeType := r.Header.Get("Content-Type")
	record := &chattypes.Context{
		SubtaskID:        msg.ID,
		Type:             chattypes.ContextAttachment,
		Status:           chattypes.ContextPending,
		MimeType:         mimeType,
		FileSize:         int64(len(data)),
		OriginalFilename: filename,
	}
	// Plain text needs no extraction pass.
	if strings.HasPrefix(mimeType, "text/") {
		record.ExtractedText = string(data)
		record.Status = chattypes.ContextReady
	}
	if err := s.store.CreateContext(ctx, record); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	encrypted, err := s.blobs.Write(record.ID, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if encrypted {
		record.Encrypted = true
		if err := s.store.SetContextEncrypted(ctx, record.ID, true); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	logger.G(ctx).WithField("attachment_id", record.ID).
		WithField("file_size", record.FileSize).
		WithField("encrypted", record.Encrypted).
		Debug("attachment stored")
	writeJSON(w, http.StatusCreated, record)
}

// handleDownloadAttachment serves GET /internal/chat/attachments/{id},
// returning the original bytes regardless of at-rest encryption.
func (s *Server) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "attachment storage is not configured")
		return
	}
	attachmentID, err := strconv.ParseInt(mux.Vars(r)["attachment_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid attachment id")
		return
	}
	ctx := r.Context()

	record, err := s.store.GetContext(ctx, attachmentID)
	if err != nil || record.Type != chattypes.ContextAttachment {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}

	data, err := s.blobs.Read(record.ID, record.Encrypted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	mimeType := record.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	if record.OriginalFilename != "" {
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filepath.Base(record.OriginalFilename)))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
