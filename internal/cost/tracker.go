package cost

import (
	"sort"
	"sync"

	"github.com/sells-group/wealth-intel/internal/model"
)

// Tracker accumulates usage and spend per model for one run. It is safe for
// concurrent use by pipeline phases.
type Tracker struct {
	calc *Calculator

	mu     sync.Mutex
	models map[string]*model.ModelCost
}

// NewTracker creates an empty Tracker priced by calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc, models: make(map[string]*model.ModelCost)}
}

// RecordClaude adds one Claude call and returns its cost.
func (t *Tracker) RecordClaude(modelName string, u model.TokenUsage) float64 {
	usd := t.calc.Claude(modelName, u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens)
	t.add(modelName, u.InputTokens+u.CacheCreationTokens+u.CacheReadTokens, u.OutputTokens, usd)
	return usd
}

// RecordEmbedding adds one embedding request and returns its cost.
func (t *Tracker) RecordEmbedding(modelName string, tokens int) float64 {
	usd := t.calc.Embedding(modelName, tokens)
	t.add(modelName, tokens, 0, usd)
	return usd
}

func (t *Tracker) add(modelName string, in, out int, usd float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mc, ok := t.models[modelName]
	if !ok {
		mc = &model.ModelCost{Model: modelName}
		t.models[modelName] = mc
	}
	mc.Calls++
	mc.InputTokens += in
	mc.OutputTokens += out
	mc.CostUSD += usd
}

// Summary returns the per-model breakdown sorted by model name.
func (t *Tracker) Summary() model.CostSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s model.CostSummary
	for _, mc := range t.models {
		s.Models = append(s.Models, *mc)
		s.TotalUSD += mc.CostUSD
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].Model < s.Models[j].Model })
	return s
}
