// Package pipeline runs the wealth-intelligence stages: scrape, triage, deep
// assessment, clustering, synthesis, opportunity generation and the run
// verdict.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/cost"
	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/resilience"
)

// RunContext is the per-run state handed to every phase. Nothing in it is
// shared across runs.
type RunContext struct {
	RunID     string
	Date      time.Time // run date (UTC midnight) used in event keys
	StartedAt time.Time
	Log       *zap.Logger
	Cost      *cost.Tracker

	mu    sync.Mutex
	stats model.RunStats
}

// NewRunContext starts a run at now.
func NewRunContext(now time.Time, log *zap.Logger, rates cost.Rates) *RunContext {
	if log == nil {
		log = zap.NewNop()
	}
	now = now.UTC()
	runID := uuid.NewString()
	return &RunContext{
		RunID:     runID,
		Date:      time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		StartedAt: now,
		Log:       log.With(zap.String("run_id", runID)),
		Cost:      cost.NewTracker(cost.NewCalculator(rates)),
		stats:     model.RunStats{TriageBuckets: make(map[string]int)},
	}
}

// Update mutates the run statistics under lock.
func (rc *RunContext) Update(fn func(s *model.RunStats)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	fn(&rc.stats)
}

// Stats returns a copy of the run statistics.
func (rc *RunContext) Stats() model.RunStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := rc.stats
	s.TriageBuckets = make(map[string]int, len(rc.stats.TriageBuckets))
	for k, v := range rc.stats.TriageBuckets {
		s.TriageBuckets[k] = v
	}
	return s
}

// DateKey is the run date as YYYY-MM-DD.
func (rc *RunContext) DateKey() string {
	return rc.Date.Format(time.DateOnly)
}

// recordCall prices a model call and records its outcome for stage.
// Usage is recorded even for failed calls that returned a reply.
func (rc *RunContext) recordCall(stage, modelName string, usage model.TokenUsage, err error) {
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		metrics.RecordLLMCost(modelName, rc.Cost.RecordClaude(modelName, usage))
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		rc.Log.Warn("pipeline: model call failed",
			zap.String("stage", stage),
			zap.String("class", string(resilience.Classify(err))),
			zap.Error(err),
		)
	}
	metrics.RecordLLMCall(stage, outcome)
}
