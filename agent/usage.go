package agent

import (
	"sync"

	"github.com/martinemde/agentrt/llm"
)

// UsageAccumulator aggregates token usage per model. It is safe for
// concurrent use and can be shared across runtimes and batch invocations.
type UsageAccumulator struct {
	mu      sync.Mutex
	byModel map[string]llm.Usage
}

// NewUsageAccumulator creates an empty accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{byModel: make(map[string]llm.Usage)}
}

// Record adds one usage record. A record whose input and output do not add
// up to total is rejected with *UsageIngestError and not applied.
func (a *UsageAccumulator) Record(model string, input, output, total int) error {
	u := llm.Usage{InputTokens: input, OutputTokens: output, TotalTokens: total}
	if !u.Consistent() {
		return &UsageIngestError{Model: model, Input: input, Output: output, Total: total}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byModel[model] = a.byModel[model].Add(u)
	return nil
}

// Snapshot returns a point-in-time copy of the per-model totals.
func (a *UsageAccumulator) Snapshot() map[string]llm.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]llm.Usage, len(a.byModel))
	for model, u := range a.byModel {
		out[model] = u
	}
	return out
}

// Total returns the sum over all models.
func (a *UsageAccumulator) Total() llm.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total llm.Usage
	for _, u := range a.byModel {
		total = total.Add(u)
	}
	return total
}

// Reset clears all totals.
func (a *UsageAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byModel = make(map[string]llm.Usage)
}
