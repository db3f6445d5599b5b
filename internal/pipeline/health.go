package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
)

// HealthStore is the persistence the health tracker writes to.
type HealthStore interface {
	ApplySourceHealth(ctx context.Context, updates []model.SourceHealthUpdate, pruneMinRuns int) error
	AddSourceRelevant(ctx context.Context, counts map[string]int) error
}

// HealthTracker accumulates per-source scrape outcomes for one run and
// writes them in a single bulk call once every source has been scraped.
// Failures are reported only; selectors are never repaired.
type HealthTracker struct {
	now time.Time

	mu       sync.Mutex
	reports  map[string]model.SourceReport
	order    []string
	relevant map[string]int
}

// NewHealthTracker creates a tracker stamping updates with now.
func NewHealthTracker(now time.Time) *HealthTracker {
	return &HealthTracker{
		now:      now.UTC(),
		reports:  make(map[string]model.SourceReport),
		relevant: make(map[string]int),
	}
}

// Record stores the outcome of one source. A later report for the same
// source replaces the earlier one.
func (h *HealthTracker) Record(r model.SourceReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.reports[r.SourceID]; !ok {
		h.order = append(h.order, r.SourceID)
	}
	h.reports[r.SourceID] = r
	metrics.RecordScrape(r.Success, r.Count)
}

// Reports returns the recorded reports in the order sources were first seen.
func (h *HealthTracker) Reports() []model.SourceReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.SourceReport, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.reports[id])
	}
	return out
}

// Updates converts the reports into analytics updates.
func (h *HealthTracker) Updates() []model.SourceHealthUpdate {
	reports := h.Reports()
	updates := make([]model.SourceHealthUpdate, 0, len(reports))
	for _, r := range reports {
		updates = append(updates, model.SourceHealthUpdate{
			SourceID:       r.SourceID,
			Success:        r.Success,
			HeadlineCount:  r.Count,
			Error:          r.Error,
			FailedSelector: r.FailedSelector,
			At:             h.now,
		})
	}
	return updates
}

// Commit writes every recorded outcome with one ApplySourceHealth call.
// pruneMinRuns <= 0 disables auto-pausing.
func (h *HealthTracker) Commit(ctx context.Context, st HealthStore, pruneMinRuns int) error {
	updates := h.Updates()
	if len(updates) == 0 {
		return nil
	}
	if err := st.ApplySourceHealth(ctx, updates, pruneMinRuns); err != nil {
		return eris.Wrap(err, "health: apply source health")
	}
	return nil
}

// AddRelevant counts n relevant articles for a source.
func (h *HealthTracker) AddRelevant(sourceID string, n int) {
	if sourceID == "" || n <= 0 {
		return
	}
	h.mu.Lock()
	h.relevant[sourceID] += n
	h.mu.Unlock()
}

// CommitRelevant writes the relevant counts with one bulk call.
func (h *HealthTracker) CommitRelevant(ctx context.Context, st HealthStore) error {
	h.mu.Lock()
	counts := make(map[string]int, len(h.relevant))
	for id, n := range h.relevant {
		counts[id] = n
	}
	h.mu.Unlock()
	if len(counts) == 0 {
		return nil
	}
	if err := st.AddSourceRelevant(ctx, counts); err != nil {
		return eris.Wrap(err, "health: add source relevant")
	}
	return nil
}

// LogSummary logs failing sources by name.
func (h *HealthTracker) LogSummary(log *zap.Logger) {
	var failed []model.SourceReport
	for _, r := range h.Reports() {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].SourceName < failed[j].SourceName })
	for _, r := range failed {
		log.Warn("health: source failed",
			zap.String("source", r.SourceName),
			zap.String("error", r.Error),
			zap.String("failed_selector", r.FailedSelector),
		)
	}
}
