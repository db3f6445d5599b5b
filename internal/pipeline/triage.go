package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageTriage = "triage"

const triageSystemPrompt = `You screen news headlines for a private wealth advisory team.
Classify each item into exactly one bucket:
- "private": concerns privately held wealth. Family businesses, founders, private sales, successions, family offices, wealthy individuals, private funding rounds, liquidity events for owners.
- "public": only about listed-company market news with no identifiable private wealth holder (earnings, share price moves, index changes).
- "corporate": routine corporate news with no wealth event (product launches, hires, partnerships, regulation).
When in doubt, or when the item is too short to judge, answer "private".
Respond with JSON only: {"results":[{"id":"<id>","bucket":"private|public|corporate"}]} with exactly one result per input item.`

type triageResult struct {
	ID     string `json:"id"`
	Bucket string `json:"bucket"`
}

type triageReply struct {
	Results []triageResult `json:"results"`
}

// TriageResult is the output of the triage phase.
type TriageResult struct {
	All     []model.Article // every candidate with its bucket set
	Private []model.Article // candidates that continue to deep assessment
}

// TriagePhase classifies candidates into private/public/corporate with one
// small-model call per chunk. A chunk whose reply has the wrong number of
// results is retried one article at a time. Anything unresolved is private.
func TriagePhase(ctx context.Context, rc *RunContext, inv *llm.Invoker, articles []model.Article, aiCfg config.AnthropicConfig, cfg config.PipelineConfig) *TriageResult {
	res := &TriageResult{All: make([]model.Article, len(articles))}
	copy(res.All, articles)
	if len(articles) == 0 {
		return res
	}

	batchSize := cfg.TriageBatchSize
	if batchSize <= 0 {
		batchSize = 25
	}

	indexes := make([]int, len(articles))
	for i := range indexes {
		indexes[i] = i
	}

	batches := llm.ProcessChunks(ctx, indexes, batchSize, max(1, cfg.AssessConcurrency), func(ctx context.Context, chunk []int) ([]model.TriageBucket, error) {
		return triageChunk(ctx, rc, inv, res.All, chunk, aiCfg)
	})

	fallbacks := 0
	for _, b := range batches {
		if b.Err != nil {
			fallbacks++
			rc.Log.Warn("triage: batch failed, classifying individually",
				zap.Int("size", len(b.Items)),
				zap.Error(b.Err),
			)
			metrics.RecordLLMCall(stageTriage, "fallback")
			for _, idx := range b.Items {
				res.All[idx].RelevanceHeadline = triageOne(ctx, rc, inv, res.All[idx], aiCfg)
			}
			continue
		}
		for i, idx := range b.Items {
			res.All[idx].RelevanceHeadline = b.Out[i]
		}
	}

	counts := make(map[string]int)
	for i := range res.All {
		if res.All[i].RelevanceHeadline == "" {
			res.All[i].RelevanceHeadline = model.TriagePrivate
		}
		counts[string(res.All[i].RelevanceHeadline)]++
		if res.All[i].RelevanceHeadline == model.TriagePrivate {
			res.Private = append(res.Private, res.All[i])
		}
	}
	for bucket, n := range counts {
		metrics.RecordTriage(bucket, n)
	}
	rc.Update(func(s *model.RunStats) {
		for bucket, n := range counts {
			s.TriageBuckets[bucket] += n
		}
	})
	rc.Log.Info("triage: complete",
		zap.Int("articles", len(articles)),
		zap.Int("private", len(res.Private)),
		zap.Int("fallback_batches", fallbacks),
	)
	return res
}

// triageChunk classifies one chunk. The returned slice is aligned with
// chunk; when the reply count differs from the chunk the raw results are
// returned so the chunk processor flags the mismatch.
func triageChunk(ctx context.Context, rc *RunContext, inv *llm.Invoker, all []model.Article, chunk []int, aiCfg config.AnthropicConfig) ([]model.TriageBucket, error) {
	var b strings.Builder
	for i, idx := range chunk {
		writeTriageItem(&b, strconv.Itoa(i+1), all[idx])
	}

	reply, usage, err := llm.Invoke[triageReply](ctx, inv, llm.Request{
		Stage:     stageTriage,
		Model:     aiCfg.TriageModel,
		System:    anthropic.CachedSystem(triageSystemPrompt),
		User:      b.String(),
		MaxTokens: triageMaxTokens(len(chunk)),
	})
	rc.recordCall(stageTriage, aiCfg.TriageModel, usage, err)
	if err != nil {
		return nil, err
	}

	out := make([]model.TriageBucket, len(reply.Results))
	if len(reply.Results) != len(chunk) {
		return out, nil
	}
	byID := make(map[string]string, len(reply.Results))
	for _, r := range reply.Results {
		byID[strings.TrimSpace(r.ID)] = r.Bucket
	}
	for i := range chunk {
		out[i] = model.ParseTriageBucket(byID[strconv.Itoa(i+1)])
	}
	return out, nil
}

// triageOne classifies a single article. Any failure yields private.
func triageOne(ctx context.Context, rc *RunContext, inv *llm.Invoker, a model.Article, aiCfg config.AnthropicConfig) model.TriageBucket {
	var b strings.Builder
	writeTriageItem(&b, "1", a)

	reply, usage, err := llm.Invoke[triageReply](ctx, inv, llm.Request{
		Stage:     stageTriage,
		Model:     aiCfg.TriageModel,
		System:    anthropic.CachedSystem(triageSystemPrompt),
		User:      b.String(),
		MaxTokens: triageMaxTokens(1),
	})
	rc.recordCall(stageTriage, aiCfg.TriageModel, usage, err)
	if err != nil || len(reply.Results) != 1 {
		return model.TriagePrivate
	}
	return model.ParseTriageBucket(reply.Results[0].Bucket)
}

func writeTriageItem(b *strings.Builder, id string, a model.Article) {
	fmt.Fprintf(b, "id: %s\nheadline: %s\n", id, a.Headline)
	if a.Snippet != "" {
		fmt.Fprintf(b, "snippet: %s\n", truncate(a.Snippet, 400))
	}
	b.WriteString("\n")
}

func triageMaxTokens(n int) int64 {
	return int64(64 + 24*n)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
