package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
)

const typingTTL = 5 * time.Minute

// TypingStatus is the group-chat "X is typing" registration.
type TypingStatus struct {
	SubtaskID int64  `json:"subtask_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
}

// SetTyping registers the typing entry for a task.
func SetTyping(ctx context.Context, broker Broker, taskID int64, status TypingStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return broker.Set(ctx, typingKey(taskID), string(b), typingTTL)
}

// ClearTyping removes the typing entry.
func ClearTyping(ctx context.Context, broker Broker, taskID int64) error {
	return broker.Delete(ctx, typingKey(taskID))
}

// Typing returns the current typing entry for a task, if any.
func Typing(ctx context.Context, broker Broker, taskID int64) (*TypingStatus, bool) {
	raw, ok, err := broker.Get(ctx, typingKey(taskID))
	if err != nil || !ok {
		return nil, false
	}
	var status TypingStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, false
	}
	return &status, true
}

// ShouldTrigger decides whether a user message triggers an assistant
// response. Group chats require an exact @TeamName mention; direct chats
// always trigger.
func ShouldTrigger(isGroupChat bool, message, teamName string) bool {
	if !isGroupChat {
		return true
	}
	if teamName == "" {
		return false
	}
	return strings.Contains(message, "@"+teamName)
}

// UserRoomChannel is the per-user notification channel.
func UserRoomChannel(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// NotifyMembers publishes a task-status notification to every member's user
// room except the sender. Delivery is best-effort.
func NotifyMembers(ctx context.Context, broker Broker, memberIDs []string, senderID string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to encode member notification")
		return
	}
	for _, memberID := range memberIDs {
		if memberID == senderID {
			continue
		}
		if err := broker.Publish(ctx, UserRoomChannel(memberID), string(b)); err != nil {
			logger.G(ctx).WithError(err).WithField("user_id", memberID).Warn("failed to notify member")
		}
	}
}
