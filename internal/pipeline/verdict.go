package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageJudge = "judge"

const judgeSystemPrompt = `You review the output of a wealth-intelligence run for a private wealth advisory team.
Rate every event and every opportunity as one of "Excellent", "Good", "Irrelevant", "Poor":
- Excellent: a clear, new liquidity event for a named private wealth holder.
- Good: useful but less certain or lower value.
- Irrelevant: accurate but of no interest to a private wealth advisor.
- Poor: wrong, duplicated, or names a non-principal.
Then write a short executive narrative (three sentences at most) on the run's quality and what to tune.
Return JSON only:
{"events":[{"key":"<event key>","rating":"...","rationale":"..."}],"opportunities":[{"key":"<opportunity key>","rating":"...","rationale":"..."}],"narrative":"..."}`

type ratedItem struct {
	Key       string `json:"key" validate:"required"`
	Rating    string `json:"rating"`
	Rationale string `json:"rationale"`
}

type judgeReply struct {
	Events        []ratedItem `json:"events" validate:"dive"`
	Opportunities []ratedItem `json:"opportunities" validate:"dive"`
	Narrative     string      `json:"narrative" validate:"required"`
}

// VerdictStore is where run verdicts are appended.
type VerdictStore interface {
	InsertRunVerdict(ctx context.Context, v *model.RunVerdict) error
}

// JudgeRun rates the run's events and opportunities. A failed judge call
// leaves the ratings empty and records the error on the judgement.
func JudgeRun(ctx context.Context, rc *RunContext, inv *llm.Invoker, events []model.SynthesizedEvent, opps []model.Opportunity, aiCfg config.AnthropicConfig) model.Judgement {
	j := model.Judgement{Counts: make(map[model.Rating]int)}
	if len(events) == 0 && len(opps) == 0 {
		j.Narrative = "The run produced no events or opportunities."
		return j
	}

	var b strings.Builder
	b.WriteString("Events:\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "- key: %s\n  headline: %s\n  summary: %s\n", ev.EventKey, ev.Headline, ev.Summary)
	}
	b.WriteString("\nOpportunities:\n")
	for _, o := range opps {
		fmt.Fprintf(&b, "- key: %s\n  reach out to: %s (%s)\n  why: %s\n",
			o.OpportunityKey, o.ReachOutTo, o.EntityType, strings.Join(o.WhyContact, "; "))
	}

	reply, usage, err := llm.Invoke[judgeReply](ctx, inv, llm.Request{
		Stage:     stageJudge,
		Model:     aiCfg.JudgeModel,
		System:    anthropic.CachedSystem(judgeSystemPrompt),
		User:      b.String(),
		MaxTokens: int64(512 + 48*(len(events)+len(opps))),
	})
	rc.recordCall(stageJudge, aiCfg.JudgeModel, usage, err)
	if err != nil {
		j.Error = err.Error()
		return j
	}

	j.EventRatings = rateItems(reply.Events, j.Counts)
	j.OpportunityRatings = rateItems(reply.Opportunities, j.Counts)
	j.Narrative = strings.TrimSpace(reply.Narrative)
	return j
}

// rateItems keeps items with a known rating and tallies them into counts.
func rateItems(items []ratedItem, counts map[model.Rating]int) []model.ItemRating {
	var out []model.ItemRating
	for _, it := range items {
		r, ok := ParseRating(it.Rating)
		if !ok {
			continue
		}
		counts[r]++
		out = append(out, model.ItemRating{Key: it.Key, Rating: r, Rationale: strings.TrimSpace(it.Rationale)})
	}
	return out
}

// ParseRating matches s case-insensitively against the known ratings.
func ParseRating(s string) (model.Rating, bool) {
	s = strings.TrimSpace(s)
	for _, r := range model.AllRatings() {
		if strings.EqualFold(s, string(r)) {
			return r, true
		}
	}
	return "", false
}

// BuildVerdict assembles the run record from rc at finishedAt.
func BuildVerdict(rc *RunContext, j model.Judgement, finishedAt time.Time) *model.RunVerdict {
	finishedAt = finishedAt.UTC()
	return &model.RunVerdict{
		ID:         uuid.NewString(),
		RunID:      rc.RunID,
		StartedAt:  rc.StartedAt,
		FinishedAt: finishedAt,
		DurationMs: finishedAt.Sub(rc.StartedAt).Milliseconds(),
		Cost:       rc.Cost.Summary(),
		Stats:      rc.Stats(),
		Judgement:  j,
	}
}

// RecordVerdict appends v and publishes the run metrics.
func RecordVerdict(ctx context.Context, rc *RunContext, st VerdictStore, v *model.RunVerdict) error {
	metrics.RecordRun(time.Duration(v.DurationMs)*time.Millisecond, v.Cost.TotalUSD)
	if err := st.InsertRunVerdict(ctx, v); err != nil {
		return eris.Wrap(err, "verdict: insert")
	}
	rc.Log.Info("verdict: recorded",
		zap.Int64("duration_ms", v.DurationMs),
		zap.Float64("cost_usd", v.Cost.TotalUSD),
		zap.Int("events", v.Stats.EventsSynthesized),
		zap.Int("opportunities", v.Stats.OpportunitiesCreated),
	)
	return nil
}
