// Package stream manages the lifecycle of assistant token streams: the
// single producer per subtask, the completion envelope, offset-based resume,
// cross-worker cancellation, and group-chat typing status.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// LegacyDoneMarker is the pre-envelope terminal chunk. Subscribers that see
// it re-read durable state to reconstruct the final result.
const LegacyDoneMarker = "__STREAM_DONE__"

const doneType = "STREAM_DONE"

// ChannelFor returns the Pub/Sub channel of a subtask stream.
func ChannelFor(subtaskID int64) string {
	return fmt.Sprintf("stream:%d", subtaskID)
}

// CacheKeyFor returns the rolling-content cache key of a subtask stream.
func CacheKeyFor(subtaskID int64) string {
	return fmt.Sprintf("stream:cache:%d", subtaskID)
}

func cancelKey(subtaskID int64) string {
	return fmt.Sprintf("stream:cancel:%d", subtaskID)
}

func typingKey(taskID int64) string {
	return fmt.Sprintf("task_streaming_status:%d", taskID)
}

// Subscription is one live Pub/Sub subscription. Close is idempotent and
// must always be called.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Broker abstracts the Redis surface the stream layer needs: Pub/Sub plus a
// small TTL'd key-value cache.
type Broker interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the durable side of a stream: subtask status and result.
type Store interface {
	GetSubtask(ctx context.Context, subtaskID int64) (*chattypes.Subtask, error)
	UpdateSubtaskResult(ctx context.Context, subtaskID int64, result chattypes.Result, status chattypes.SubtaskStatus) error
	UpdateTaskStatus(ctx context.Context, taskID int64, status chattypes.TaskStatus) error
}

type doneEnvelope struct {
	Type   string           `json:"__type__"`
	Result chattypes.Result `json:"result"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// EncodeDone builds the terminal STREAM_DONE envelope.
func EncodeDone(result chattypes.Result) string {
	b, _ := json.Marshal(doneEnvelope{Type: doneType, Result: result})
	return string(b)
}

// EncodeError builds an error frame.
func EncodeError(msg string) string {
	b, _ := json.Marshal(errorFrame{Error: msg})
	return string(b)
}

// Chunk is one decoded Pub/Sub message.
type Chunk struct {
	// Text is set for content chunks.
	Text string
	// Done is set for the typed completion envelope.
	Done *chattypes.Result
	// LegacyDone marks the bare done marker; the caller re-reads durable
	// state for the result.
	LegacyDone bool
	// Err is set for error frames.
	Err string
}

// DecodeChunk classifies one raw Pub/Sub payload. Non-JSON payloads are
// content.
func DecodeChunk(payload string) Chunk {
	if payload == LegacyDoneMarker {
		return Chunk{LegacyDone: true}
	}
	if len(payload) > 0 && payload[0] == '{' {
		var envelope doneEnvelope
		if err := json.Unmarshal([]byte(payload), &envelope); err == nil && envelope.Type == doneType {
			return Chunk{Done: &envelope.Result}
		}
		var frame errorFrame
		if err := json.Unmarshal([]byte(payload), &frame); err == nil && frame.Error != "" {
			return Chunk{Err: frame.Error}
		}
	}
	return Chunk{Text: payload}
}

// MarkCancelled sets the cross-worker cancel flag for a subtask.
func MarkCancelled(ctx context.Context, broker Broker, subtaskID int64) error {
	return broker.Set(ctx, cancelKey(subtaskID), "1", 10*time.Minute)
}

// IsCancelled checks the cross-worker cancel flag.
func IsCancelled(ctx context.Context, broker Broker, subtaskID int64) bool {
	_, ok, err := broker.Get(ctx, cancelKey(subtaskID))
	return err == nil && ok
}

// ClearCancelled removes the cancel flag once the producer has honoured it.
func ClearCancelled(ctx context.Context, broker Broker, subtaskID int64) error {
	return broker.Delete(ctx, cancelKey(subtaskID))
}
