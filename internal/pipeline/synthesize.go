package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageSynthesize = "synthesize"

const synthesisSystemPrompt = `You write the canonical record of one real-world wealth event from a cluster of news articles.
Return JSON only:
{"headline":"...","summary":"...","advisor_summary":"...","event_type":"sale|acquisition|ipo|funding|succession|liquidity|real_estate|other","countries":["ISO country names"]}
- headline: one neutral headline naming the principal entities and the action.
- summary: two to four factual sentences using only facts in the articles.
- advisor_summary: one sentence on why a private wealth advisor should care.
If historical context is given, mention continuity with earlier coverage in the summary, but describe only this event.`

type synthesisReply struct {
	Headline       string   `json:"headline" validate:"required"`
	Summary        string   `json:"summary" validate:"required"`
	AdvisorSummary string   `json:"advisor_summary" validate:"required"`
	EventType      string   `json:"event_type"`
	Countries      []string `json:"countries"`
}

// SynthesizePhase builds one event per cluster with bounded concurrency.
// history maps event keys to historical matches. Clusters whose call fails
// produce no event.
func SynthesizePhase(ctx context.Context, rc *RunContext, inv *llm.Invoker, clusters []model.ArticleCluster, history map[string][]model.HistoricalMatch, aiCfg config.AnthropicConfig, cfg config.PipelineConfig) []model.SynthesizedEvent {
	limit := cfg.SynthesisConcurrency
	if limit <= 0 {
		limit = 4
	}

	events := make([]*model.SynthesizedEvent, len(clusters))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range clusters {
		g.Go(func() error {
			hist := history[c.EventKey]
			reply, err := synthesizeCluster(gctx, rc, inv, c, hist, aiCfg)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			ev := BuildEvent(rc, c, reply, hist)
			events[i] = &ev
			return nil
		})
	}
	_ = g.Wait()

	var out []model.SynthesizedEvent
	for _, ev := range events {
		if ev != nil {
			out = append(out, *ev)
		}
	}
	rc.Update(func(s *model.RunStats) { s.EventsFailed += failed })
	rc.Log.Info("synthesize: complete",
		zap.Int("clusters", len(clusters)),
		zap.Int("events", len(out)),
		zap.Int("failed", failed),
	)
	return out
}

func synthesizeCluster(ctx context.Context, rc *RunContext, inv *llm.Invoker, c model.ArticleCluster, hist []model.HistoricalMatch, aiCfg config.AnthropicConfig) (synthesisReply, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Principal entities: %s\nAction: %s\n\nArticles:\n", strings.Join(c.Entities, ", "), c.Action)
	for i, a := range c.Articles {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n   %s\n", i+1, a.Headline, a.SourceName, a.OneLineSummary, a.AssessmentArticle)
	}
	if len(hist) > 0 {
		b.WriteString("\nHistorical context (earlier coverage, do not merge):\n")
		for _, h := range hist {
			fmt.Fprintf(&b, "- [%s %s] %s (similarity %.2f)\n", h.Kind, h.Date, h.Headline, h.Similarity)
		}
	}

	reply, usage, err := llm.Invoke[synthesisReply](ctx, inv, llm.Request{
		Stage:     stageSynthesize,
		Model:     aiCfg.SynthesisModel,
		System:    anthropic.CachedSystem(synthesisSystemPrompt),
		User:      b.String(),
		MaxTokens: 1024,
	})
	rc.recordCall(stageSynthesize, aiCfg.SynthesisModel, usage, err)
	return reply, err
}

// BuildEvent combines the model's prose with the fields computed from the
// cluster: key individual union, highest relevance and article refs.
func BuildEvent(rc *RunContext, c model.ArticleCluster, reply synthesisReply, hist []model.HistoricalMatch) model.SynthesizedEvent {
	ev := model.SynthesizedEvent{
		EventKey:          c.EventKey,
		Headline:          strings.TrimSpace(reply.Headline),
		Summary:           strings.TrimSpace(reply.Summary),
		AdvisorSummary:    strings.TrimSpace(reply.AdvisorSummary),
		EventType:         ParseEventType(reply.EventType),
		Entities:          dedupeStrings(c.Entities),
		Countries:         dedupeStrings(reply.Countries),
		KeyIndividuals:    MergeIndividuals(c.Articles),
		HistoricalContext: hist,
		Date:              rc.DateKey(),
		RunID:             rc.RunID,
		UpdatedAt:         rc.StartedAt,
	}
	for _, a := range c.Articles {
		ev.SourceArticles = append(ev.SourceArticles, a.Ref())
		if a.RelevanceArticle > ev.HighestRelevanceScore {
			ev.HighestRelevanceScore = a.RelevanceArticle
		}
	}
	return ev
}

// MergeIndividuals unions key individuals across articles, deduplicated by
// name slug. Missing role, company and email are filled from later copies.
func MergeIndividuals(articles []model.Article) []model.KeyIndividual {
	var out []model.KeyIndividual
	index := make(map[string]int)
	for _, a := range articles {
		for _, ki := range a.KeyIndividuals {
			key := model.Slug(ki.Name)
			if key == "" {
				continue
			}
			i, ok := index[key]
			if !ok {
				index[key] = len(out)
				out = append(out, ki)
				continue
			}
			cur := &out[i]
			if cur.Role == "" {
				cur.Role = ki.Role
			}
			if cur.Company == "" {
				cur.Company = ki.Company
			}
			if cur.EmailGuess == "" {
				cur.EmailGuess = ki.EmailGuess
			}
		}
	}
	return out
}

// ParseEventType maps model output to an EventType; unknown values are other.
func ParseEventType(s string) model.EventType {
	t := model.EventType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_"))
	switch t {
	case model.EventTypeSale, model.EventTypeAcquisition, model.EventTypeIPO,
		model.EventTypeFunding, model.EventTypeSuccession, model.EventTypeLiquidity,
		model.EventTypeRealEstate:
		return t
	}
	return model.EventTypeOther
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		k := strings.ToLower(s)
		if s == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}
