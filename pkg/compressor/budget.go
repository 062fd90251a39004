package compressor

import "strings"

// Budget describes the context-window accounting for a model. TriggerLimit is
// the count above which compression starts; TargetLimit is the hard ceiling
// the result is guaranteed to fit.
type Budget struct {
	ContextWindow  int
	ReservedOutput int
	TriggerRatio   float64
	TargetRatio    float64
}

// TriggerLimit returns the token count that triggers compression.
func (b Budget) TriggerLimit() int {
	return int(b.TriggerRatio * float64(b.ContextWindow-b.ReservedOutput))
}

// TargetLimit returns the token count the compressed result must not exceed.
func (b Budget) TargetLimit() int {
	return int(b.TargetRatio * float64(b.ContextWindow-b.ReservedOutput))
}

// modelBudgets is the built-in table keyed by model-ID prefix. Longest prefix
// wins.
var modelBudgets = []struct {
	prefix string
	budget Budget
}{
	{"gpt-4o", Budget{ContextWindow: 128000, ReservedOutput: 16384, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"gpt-4-turbo", Budget{ContextWindow: 128000, ReservedOutput: 4096, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"gpt-4", Budget{ContextWindow: 8192, ReservedOutput: 4096, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"gpt-5", Budget{ContextWindow: 400000, ReservedOutput: 128000, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"o1", Budget{ContextWindow: 200000, ReservedOutput: 100000, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"o3", Budget{ContextWindow: 200000, ReservedOutput: 100000, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"claude", Budget{ContextWindow: 200000, ReservedOutput: 8192, TriggerRatio: 0.90, TargetRatio: 0.70}},
	{"gemini", Budget{ContextWindow: 1048576, ReservedOutput: 8192, TriggerRatio: 0.90, TargetRatio: 0.70}},
}

// conservativeDefault is used when the model is unknown everywhere.
var conservativeDefault = Budget{
	ContextWindow:  128000,
	ReservedOutput: 4096,
	TriggerRatio:   0.85,
	TargetRatio:    0.65,
}

// ResolveBudget picks the budget for a model: an explicit override wins, then
// the built-in prefix table, then the conservative default.
func ResolveBudget(model string, override *Budget) Budget {
	if override != nil {
		return *override
	}
	m := strings.ToLower(model)
	best := -1
	var found Budget
	for _, e := range modelBudgets {
		if strings.HasPrefix(m, e.prefix) && len(e.prefix) > best {
			best = len(e.prefix)
			found = e.budget
		}
	}
	if best >= 0 {
		return found
	}
	return conservativeDefault
}
