package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal          int       `json:"runs_total"`
	RunsCostUSD        float64   `json:"runs_cost_usd"`
	RunsAvgCostUSD     float64   `json:"runs_avg_cost_usd"`
	LastRunAt          time.Time `json:"last_run_at,omitzero"`
	EventsSynthesized  int       `json:"events_synthesized"`
	OpportunitiesTotal int       `json:"opportunities_total"`
	ArticlesAssessed   int       `json:"articles_assessed"`
	ArticlesErrored    int       `json:"articles_errored"`
	EnrichmentErrRate  float64   `json:"enrichment_error_rate"`
	RatedItems         int       `json:"rated_items"`
	PoorRate           float64   `json:"poor_rate"`

	// Source health (current).
	SourcesActive  int     `json:"sources_active"`
	SourcesPaused  int     `json:"sources_paused"`
	SourcesFailing int     `json:"sources_failing"`
	SourceFailRate float64 `json:"source_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Reader is the slice of the store the collector reads from.
type Reader interface {
	ListRunVerdicts(ctx context.Context, filter store.VerdictFilter) ([]model.RunVerdict, error)
	ListSources(ctx context.Context, filter store.SourceFilter) ([]model.Source, error)
}

// Collector gathers metrics from run verdicts and source analytics.
type Collector struct {
	store Reader
}

// NewCollector creates a new metrics collector.
func NewCollector(st Reader) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	verdicts, err := c.store.ListRunVerdicts(ctx, store.VerdictFilter{
		Since: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list run verdicts")
	}

	var poor int
	snap.RunsTotal = len(verdicts)
	for _, v := range verdicts {
		snap.RunsCostUSD += v.Cost.TotalUSD
		snap.EventsSynthesized += v.Stats.EventsSynthesized
		snap.OpportunitiesTotal += v.Stats.OpportunitiesCreated
		snap.ArticlesAssessed += v.Stats.ArticlesAssessed
		snap.ArticlesErrored += v.Stats.ArticlesErrored
		if v.StartedAt.After(snap.LastRunAt) {
			snap.LastRunAt = v.StartedAt
		}
		for rating, n := range v.Judgement.Counts {
			snap.RatedItems += n
			if rating == model.RatingPoor || rating == model.RatingIrrelevant {
				poor += n
			}
		}
	}
	if snap.RunsTotal > 0 {
		snap.RunsAvgCostUSD = snap.RunsCostUSD / float64(snap.RunsTotal)
	}
	if attempted := snap.ArticlesAssessed + snap.ArticlesErrored; attempted > 0 {
		snap.EnrichmentErrRate = float64(snap.ArticlesErrored) / float64(attempted)
	}
	if snap.RatedItems > 0 {
		snap.PoorRate = float64(poor) / float64(snap.RatedItems)
	}

	sources, err := c.store.ListSources(ctx, store.SourceFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}
	for _, s := range sources {
		switch s.Status {
		case model.SourceStatusActive:
			snap.SourcesActive++
			if s.Analytics.ConsecutiveFailures > 0 {
				snap.SourcesFailing++
			}
		case model.SourceStatusPaused:
			snap.SourcesPaused++
		}
	}
	if snap.SourcesActive > 0 {
		snap.SourceFailRate = float64(snap.SourcesFailing) / float64(snap.SourcesActive)
	}

	return snap, nil
}
