// Package compressor reduces conversation history to a model-aware token
// budget. Compression runs in three phases: sequential strategies, weighted
// allocation, and a forced ladder that guarantees the target is met.
package compressor

import (
	"context"

	"github.com/fluxgate-ai/fluxgate/pkg/logger"
	"github.com/fluxgate-ai/fluxgate/pkg/tokenizer"
	llmtypes "github.com/fluxgate-ai/fluxgate/pkg/types/llm"
)

// Options tunes the compressor. Zero values fall back to defaults.
type Options struct {
	Enabled       bool
	FirstMessages int
	LastMessages  int
	// AttachmentLength caps attachment blocks at this many runes before any
	// ratio search. Zero means no absolute cap.
	AttachmentLength int
	// BudgetOverride replaces the built-in model budget table when set.
	BudgetOverride *Budget
}

// Compressor fits message lists to the model's context budget.
type Compressor struct {
	counter    *tokenizer.Counter
	budget     Budget
	strategies []Strategy
	opts       Options
}

// New builds a compressor for the given model.
func New(model string, opts Options) *Compressor {
	counter := tokenizer.NewCounter(model)
	return &Compressor{
		counter: counter,
		budget:  ResolveBudget(model, opts.BudgetOverride),
		strategies: []Strategy{
			newHistoryStrategy(counter, opts.FirstMessages, opts.LastMessages),
			newAttachmentStrategy(counter, opts.AttachmentLength),
			newToolResultStrategy(counter),
		},
		opts: opts,
	}
}

// Budget returns the resolved context budget.
func (c *Compressor) Budget() Budget { return c.budget }

// Counter returns the token counter used for accounting.
func (c *Compressor) Counter() *tokenizer.Counter { return c.counter }

// CompressIfNeeded returns the messages verbatim when they fit under the
// trigger limit; otherwise it compresses them so the result is guaranteed to
// fit under the target limit.
func (c *Compressor) CompressIfNeeded(ctx context.Context, msgs []llmtypes.Message) []llmtypes.Message {
	if !c.opts.Enabled {
		return msgs
	}
	count := c.counter.CountMessages(msgs)
	trigger := c.budget.TriggerLimit()
	if count <= trigger {
		return msgs
	}

	target := c.budget.TargetLimit()
	log := logger.G(ctx).WithFields(map[string]any{
		"tokens":  count,
		"trigger": trigger,
		"target":  target,
	})
	log.Info("message history over trigger limit, compressing")

	// Phase 1: strategies in order, least disruptive first.
	for _, s := range c.strategies {
		deficit := c.counter.CountMessages(msgs) - target
		if deficit <= 0 {
			return msgs
		}
		var details Details
		msgs, details = s.Compress(msgs, deficit)
		if details.TokensSaved > 0 {
			log.WithField("strategy", details.Strategy).
				WithField("saved", details.TokensSaved).
				Debug("compression strategy applied")
		}
	}

	// Phase 2: allocate the remaining deficit across strategies weighted by
	// weight x remaining potential, at most two rounds.
	for range 2 {
		deficit := c.counter.CountMessages(msgs) - target
		if deficit <= 0 {
			return msgs
		}
		msgs = c.weightedRound(ctx, msgs, deficit)
	}

	// Phase 3: forced compression; never leaves the result above target.
	if deficit := c.counter.CountMessages(msgs) - target; deficit > 0 {
		msgs = c.forceCompress(ctx, msgs, target)
	}

	if final := c.counter.CountMessages(msgs); final > target {
		// Designed to be unreachable; the producer still proceeds (the
		// provider may reject the request).
		log.WithField("critical", true).
			WithField("final_tokens", final).
			Error("compressor failed to reach target limit")
	}
	return msgs
}

func (c *Compressor) weightedRound(ctx context.Context, msgs []llmtypes.Message, deficit int) []llmtypes.Message {
	type alloc struct {
		strategy  Strategy
		potential int
		share     float64
	}
	allocs := make([]alloc, 0, len(c.strategies))
	totalShare := 0.0
	for _, s := range c.strategies {
		potential, _ := s.EstimatePotential(msgs)
		if potential <= 0 {
			continue
		}
		share := s.Weight() * float64(potential)
		allocs = append(allocs, alloc{strategy: s, potential: potential, share: share})
		totalShare += share
	}
	if totalShare == 0 {
		return msgs
	}
	for _, a := range allocs {
		budget := int(float64(deficit) * a.share / totalShare)
		if budget > a.potential {
			budget = a.potential
		}
		if budget <= 0 {
			continue
		}
		var details Details
		msgs, details = a.strategy.Compress(msgs, budget)
		if details.TokensSaved > 0 {
			logger.G(ctx).WithField("strategy", details.Strategy).
				WithField("saved", details.TokensSaved).
				Debug("weighted compression round")
		}
	}
	return msgs
}
