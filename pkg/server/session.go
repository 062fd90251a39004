package server

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrReservedSession marks a syntactically valid subtask-<int> session id,
// which the internal API parses but refuses to serve.
var ErrReservedSession = errors.New("subtask sessions are reserved")

// ParseSessionID decodes the task-<int> session grammar. subtask-<int> is
// recognised and rejected as reserved; everything else is invalid.
func ParseSessionID(sessionID string) (int64, error) {
	if raw, ok := strings.CutPrefix(sessionID, "task-"); ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return 0, errors.Errorf("invalid session id %q", sessionID)
		}
		return id, nil
	}
	if raw, ok := strings.CutPrefix(sessionID, "subtask-"); ok {
		if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return 0, ErrReservedSession
		}
	}
	return 0, errors.Errorf("invalid session id %q", sessionID)
}
