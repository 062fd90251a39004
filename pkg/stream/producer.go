package stream

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	chattypes "github.com/fluxgate-ai/fluxgate/pkg/types/chat"
)

const (
	// DefaultCacheInterval paces cache refreshes during streaming.
	DefaultCacheInterval = time.Second
	// DefaultFlushInterval paces durable result flushes during streaming.
	DefaultFlushInterval = 5 * time.Second

	cacheTTL = 30 * time.Minute
)

// ProducerOptions tunes a producer.
type ProducerOptions struct {
	CacheInterval time.Duration
	FlushInterval time.Duration
}

// Producer owns one subtask stream. There is at most one producer per
// subtask; it is not safe for concurrent use.
type Producer struct {
	broker  Broker
	store   Store
	subtask *chattypes.Subtask

	cacheInterval time.Duration
	flushInterval time.Duration

	acc       strings.Builder
	lastCache time.Time
	lastFlush time.Time
	started   bool
	typing    bool
}

// NewProducer builds a producer for the given assistant subtask.
func NewProducer(broker Broker, store Store, subtask *chattypes.Subtask, opts ProducerOptions) *Producer {
	if opts.CacheInterval <= 0 {
		opts.CacheInterval = DefaultCacheInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Producer{
		broker:        broker,
		store:         store,
		subtask:       subtask,
		cacheInterval: opts.CacheInterval,
		flushInterval: opts.FlushInterval,
	}
}

// Content returns everything accumulated so far.
func (p *Producer) Content() string { return p.acc.String() }

// RegisterTyping publishes the group-chat typing entry for the task. Cleared
// automatically on completion or failure.
func (p *Producer) RegisterTyping(ctx context.Context, userID, username string) {
	status := TypingStatus{SubtaskID: p.subtask.ID, UserID: userID, Username: username}
	if err := SetTyping(ctx, p.broker, p.subtask.TaskID, status); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to register typing status")
		return
	}
	p.typing = true
}

// Append handles one token delta: accumulate, publish, and pace the cache
// and durable flushes.
func (p *Producer) Append(ctx context.Context, text string) error {
	if !p.started {
		p.started = true
		if err := p.store.UpdateSubtaskResult(ctx, p.subtask.ID, chattypes.Result{Streaming: true}, chattypes.SubtaskRunning); err != nil {
			return errors.Wrap(err, "failed to mark subtask running")
		}
		p.lastCache = time.Now()
		p.lastFlush = time.Now()
	}

	p.acc.WriteString(text)
	if err := p.broker.Publish(ctx, ChannelFor(p.subtask.ID), text); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish stream chunk")
	}

	now := time.Now()
	if now.Sub(p.lastCache) >= p.cacheInterval {
		p.lastCache = now
		if err := p.broker.Set(ctx, CacheKeyFor(p.subtask.ID), p.acc.String(), cacheTTL); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to update stream cache")
		}
	}
	if now.Sub(p.lastFlush) >= p.flushInterval {
		p.lastFlush = now
		result := chattypes.Result{Value: p.acc.String(), Streaming: true}
		if err := p.store.UpdateSubtaskResult(ctx, p.subtask.ID, result, chattypes.SubtaskRunning); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to flush partial result")
		}
	}
	return nil
}

// Complete finishes the stream: durable COMPLETED result, final cache entry,
// STREAM_DONE envelope, and cleanup. An empty result value falls back to the
// accumulator.
func (p *Producer) Complete(ctx context.Context, result chattypes.Result) error {
	if result.Value == "" {
		result.Value = p.acc.String()
	}
	result.Streaming = false

	if err := p.store.UpdateSubtaskResult(ctx, p.subtask.ID, result, chattypes.SubtaskCompleted); err != nil {
		return errors.Wrap(err, "failed to complete subtask")
	}
	if err := p.broker.Set(ctx, CacheKeyFor(p.subtask.ID), result.Value, cacheTTL); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to write final cache entry")
	}
	if err := p.broker.Publish(ctx, ChannelFor(p.subtask.ID), EncodeDone(result)); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish STREAM_DONE")
	}
	p.cleanup(ctx)
	return nil
}

// Fail marks the subtask FAILED, publishes an error frame, then the
// completion envelope so subscribers always terminate.
func (p *Producer) Fail(ctx context.Context, errText string) error {
	if err := p.store.UpdateSubtaskResult(ctx, p.subtask.ID, chattypes.Result{Value: p.acc.String()}, chattypes.SubtaskFailed); err != nil {
		return errors.Wrap(err, "failed to mark subtask failed")
	}
	if err := p.broker.Publish(ctx, ChannelFor(p.subtask.ID), EncodeError(errText)); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish error frame")
	}
	if err := p.broker.Publish(ctx, ChannelFor(p.subtask.ID), EncodeDone(chattypes.Result{Value: p.acc.String()})); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to publish STREAM_DONE")
	}
	p.cleanup(ctx)
	return nil
}

// CompleteCancelled honours a user cancel: COMPLETED with the partial
// content, task COMPLETED so the thread is usable again, and never an error
// message.
func (p *Producer) CompleteCancelled(ctx context.Context, partial string) error {
	if partial == "" {
		partial = p.acc.String()
	}
	if err := p.Complete(ctx, chattypes.Result{Value: partial}); err != nil {
		return err
	}
	if err := p.store.UpdateTaskStatus(ctx, p.subtask.TaskID, chattypes.TaskCompleted); err != nil {
		return errors.Wrap(err, "failed to complete task after cancel")
	}
	return nil
}

func (p *Producer) cleanup(ctx context.Context) {
	if err := ClearCancelled(ctx, p.broker, p.subtask.ID); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to clear cancel flag")
	}
	if p.typing {
		p.typing = false
		if err := ClearTyping(ctx, p.broker, p.subtask.TaskID); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to clear typing status")
		}
	}
}
