package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wealth-intel/internal/model"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku":  {Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
			"sonnet": {Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		},
		Embedding: map[string]EmbedRate{
			"small": {PerMTok: 0.02},
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int
		output     int
		cacheWrite int
		cacheRead  int
		want       float64
	}{
		{"haiku plain", "haiku", 1_000_000, 1_000_000, 0, 0, 6.00},
		{"sonnet plain", "sonnet", 1_000_000, 100_000, 0, 0, 4.50},
		{"cache write", "sonnet", 0, 0, 1_000_000, 0, 3.75},
		{"cache read", "sonnet", 0, 0, 0, 1_000_000, 0.30},
		{"unknown model", "gpt", 1_000_000, 1_000_000, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEmbedding(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 0.02, calc.Embedding("small", 1_000_000), 1e-9)
	assert.Zero(t, calc.Embedding("unknown", 1_000_000))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	r := DefaultRates()
	assert.Contains(t, r.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, r.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, r.Embedding, "text-embedding-3-small")
}

func TestTracker_Summary(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordClaude("haiku", model.TokenUsage{InputTokens: 100_000, OutputTokens: 10_000})
		}()
	}
	wg.Wait()
	tr.RecordClaude("sonnet", model.TokenUsage{InputTokens: 1_000_000})
	tr.RecordEmbedding("small", 500_000)

	s := tr.Summary()
	require.Len(t, s.Models, 3)
	assert.Equal(t, "haiku", s.Models[0].Model)
	assert.Equal(t, 10, s.Models[0].Calls)
	assert.Equal(t, 1_000_000, s.Models[0].InputTokens)
	assert.Equal(t, 100_000, s.Models[0].OutputTokens)
	assert.InDelta(t, 1.5, s.Models[0].CostUSD, 1e-9)
	assert.Equal(t, "small", s.Models[1].Model)
	assert.InDelta(t, 1.5+3.0+0.01, s.TotalUSD, 1e-9)
}
