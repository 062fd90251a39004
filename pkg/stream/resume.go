package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

// DefaultSilentInterval is how long resume waits without a chunk before
// re-checking durable state for a missed completion.
const DefaultSilentInterval = 2 * time.Second

// Frame is one event emitted to a resuming subscriber.
type Frame struct {
	// Text is a content fragment; Offset is the stream offset after it.
	Text   string
	Offset int
	// Done carries the final result on the terminal frame.
	Done *chattypes.Result
	// Err is a terminal error message.
	Err string
}

// Emit receives frames; returning an error aborts the resume (client gone).
type Emit func(Frame) error

// Resumer replays and follows a subtask stream from a byte offset.
// Subscribers only read; durable state is never modified here.
type Resumer struct {
	broker         Broker
	store          Store
	silentInterval time.Duration
}

// NewResumer builds a resumer. A zero silentInterval uses the default.
func NewResumer(broker Broker, store Store, silentInterval time.Duration) *Resumer {
	if silentInterval <= 0 {
		silentInterval = DefaultSilentInterval
	}
	return &Resumer{broker: broker, store: store, silentInterval: silentInterval}
}

// Resume streams content[offset:] and follows the live stream to
// completion. Concatenating all Text frames from offset 0 reproduces the
// final result value exactly.
func (r *Resumer) Resume(ctx context.Context, subtaskID int64, offset int, emit Emit) error {
	subtask, err := r.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return errors.Wrap(err, "failed to load subtask")
	}

	switch subtask.Status {
	case chattypes.SubtaskCompleted:
		return r.emitFinal(subtask, offset, emit)
	case chattypes.SubtaskFailed:
		return emit(Frame{Err: subtask.ErrorMessage, Offset: offset})
	}

	// Live stream: cached prefix first.
	cached, ok, err := r.broker.Get(ctx, CacheKeyFor(subtaskID))
	if err != nil {
		logger.G(ctx).WithError(err).Warn("stream cache unavailable, falling back to durable state")
		return r.pollDurable(ctx, subtaskID, offset, emit)
	}
	if ok && offset < len(cached) {
		if err := emit(Frame{Text: cached[offset:], Offset: len(cached)}); err != nil {
			return err
		}
		offset = len(cached)
	}

	// The status may have flipped while we read the cache.
	subtask, err = r.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return errors.Wrap(err, "failed to re-check subtask")
	}
	if subtask.Status == chattypes.SubtaskCompleted {
		return r.emitFinal(subtask, offset, emit)
	}
	if subtask.Status == chattypes.SubtaskFailed {
		return emit(Frame{Err: subtask.ErrorMessage, Offset: offset})
	}

	sub, err := r.broker.Subscribe(ctx, ChannelFor(subtaskID))
	if err != nil {
		logger.G(ctx).WithError(err).Warn("pub/sub unavailable, falling back to durable state")
		return r.pollDurable(ctx, subtaskID, offset, emit)
	}
	defer func() {
		if err := sub.Close(); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to close stream subscription")
		}
	}()

	timer := time.NewTimer(r.silentInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, open := <-sub.Messages():
			if !open {
				return r.pollDurable(ctx, subtaskID, offset, emit)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.silentInterval)

			chunk := DecodeChunk(payload)
			switch {
			case chunk.Done != nil:
				return r.finishWith(*chunk.Done, offset, emit)
			case chunk.LegacyDone:
				subtask, err := r.store.GetSubtask(ctx, subtaskID)
				if err != nil {
					return errors.Wrap(err, "failed to load final result")
				}
				return r.emitFinal(subtask, offset, emit)
			case chunk.Err != "":
				return emit(Frame{Err: chunk.Err, Offset: offset})
			case chunk.Text != "":
				offset += len(chunk.Text)
				if err := emit(Frame{Text: chunk.Text, Offset: offset}); err != nil {
					return err
				}
			}
		case <-timer.C:
			// Silent interval: the completion message may have been missed.
			subtask, err := r.store.GetSubtask(ctx, subtaskID)
			if err != nil {
				logger.G(ctx).WithError(err).Warn("durable re-check failed during resume")
				timer.Reset(r.silentInterval)
				continue
			}
			if subtask.Status == chattypes.SubtaskCompleted {
				return r.emitFinal(subtask, offset, emit)
			}
			if subtask.Status == chattypes.SubtaskFailed {
				return emit(Frame{Err: subtask.ErrorMessage, Offset: offset})
			}
			timer.Reset(r.silentInterval)
		}
	}
}

// emitFinal streams the remaining durable content and the done frame.
func (r *Resumer) emitFinal(subtask *chattypes.Subtask, offset int, emit Emit) error {
	result := chattypes.Result{}
	if subtask.Result != nil {
		result = *subtask.Result
	}
	return r.finishWith(result, offset, emit)
}

func (r *Resumer) finishWith(result chattypes.Result, offset int, emit Emit) error {
	if offset < len(result.Value) {
		if err := emit(Frame{Text: result.Value[offset:], Offset: len(result.Value)}); err != nil {
			return err
		}
		offset = len(result.Value)
	}
	return emit(Frame{Done: &result, Offset: offset})
}

// pollDurable is the degraded path when cache or Pub/Sub is unavailable: if
// the subtask has completed, stream the remaining content synthetically;
// otherwise report the stream as unavailable.
func (r *Resumer) pollDurable(ctx context.Context, subtaskID int64, offset int, emit Emit) error {
	subtask, err := r.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return errors.Wrap(err, "failed to load subtask")
	}
	switch subtask.Status {
	case chattypes.SubtaskCompleted:
		return r.emitFinal(subtask, offset, emit)
	case chattypes.SubtaskFailed:
		return emit(Frame{Err: subtask.ErrorMessage, Offset: offset})
	default:
		return emit(Frame{Err: "Stream not available", Offset: offset})
	}
}
