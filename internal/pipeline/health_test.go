package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestHealthTracker_CommitIsOneBulkCall(t *testing.T) {
	tracker := NewHealthTracker(testDay)
	tracker.Record(model.SourceReport{SourceID: "s1", SourceName: "One", Success: true, Count: 4})
	tracker.Record(model.SourceReport{SourceID: "s2", SourceName: "Two", Error: "http status 503"})

	st := &mockStore{}
	st.On("ApplySourceHealth", mock.Anything, mock.MatchedBy(func(u []model.SourceHealthUpdate) bool {
		return len(u) == 2 && u[0].SourceID == "s1" && u[0].HeadlineCount == 4 &&
			u[1].SourceID == "s2" && !u[1].Success && u[1].At.Equal(testDay)
	}), 10).Return(nil).Once()

	require.NoError(t, tracker.Commit(context.Background(), st, 10))
	st.AssertExpectations(t)
}

func TestHealthTracker_CommitEmptySkipsStore(t *testing.T) {
	st := &mockStore{}
	require.NoError(t, NewHealthTracker(testDay).Commit(context.Background(), st, 10))
	st.AssertNotCalled(t, "ApplySourceHealth", mock.Anything, mock.Anything, mock.Anything)
}

func TestHealthTracker_CommitError(t *testing.T) {
	tracker := NewHealthTracker(testDay)
	tracker.Record(model.SourceReport{SourceID: "s1", Success: true, Count: 1})

	st := &mockStore{}
	st.On("ApplySourceHealth", mock.Anything, mock.Anything, 0).Return(errors.New("db down"))

	err := tracker.Commit(context.Background(), st, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestHealthTracker_LaterReportReplaces(t *testing.T) {
	tracker := NewHealthTracker(testDay)
	tracker.Record(model.SourceReport{SourceID: "s1", Error: "timeout"})
	tracker.Record(model.SourceReport{SourceID: "s2", Success: true, Count: 2})
	tracker.Record(model.SourceReport{SourceID: "s1", Success: true, Count: 3})

	reports := tracker.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "s1", reports[0].SourceID)
	assert.True(t, reports[0].Success)
	assert.Equal(t, 3, reports[0].Count)
}

func TestHealthTracker_CommitRelevant(t *testing.T) {
	tracker := NewHealthTracker(testDay)
	tracker.AddRelevant("s1", 2)
	tracker.AddRelevant("s1", 1)
	tracker.AddRelevant("", 5)
	tracker.AddRelevant("s2", 0)

	st := &mockStore{}
	st.On("AddSourceRelevant", mock.Anything, map[string]int{"s1": 3}).Return(nil).Once()

	require.NoError(t, tracker.CommitRelevant(context.Background(), st))
	st.AssertExpectations(t)
}

func TestHealthTracker_LogSummaryDoesNotPanic(t *testing.T) {
	tracker := NewHealthTracker(testDay)
	tracker.Record(model.SourceReport{SourceID: "s1", SourceName: "Zeta", Error: "x"})
	tracker.Record(model.SourceReport{SourceID: "s2", SourceName: "Alpha", Error: "y", FailedSelector: "h2 a"})
	tracker.LogSummary(zap.NewNop())
}

func TestHealth_ZeroHeadlinesTwiceCountsTwoFailures(t *testing.T) {
	ctx := context.Background()
	st := newSQLiteStore(t)

	src := model.Source{
		ID:               "src-1",
		Name:             "Finans",
		URL:              "https://finans.example/news",
		Method:           model.ScrapeMethodHTTP,
		HeadlineSelector: "h2.title a",
		Status:           model.SourceStatusActive,
	}
	_, err := st.UpsertSources(ctx, []model.Source{src})
	require.NoError(t, err)

	f := &mockFetcher{}
	f.On("FetchHeadlines", mock.Anything, src).Return([]model.Headline{}, nil)

	for range 2 {
		rc := testRunContext()
		tracker := NewHealthTracker(rc.StartedAt)
		res, err := ScrapePhase(ctx, rc, []model.Source{src}, f, st, tracker, config.ScrapeConfig{Concurrency: 1})
		require.NoError(t, err)
		assert.Empty(t, res.Candidates)
		require.NoError(t, tracker.Commit(ctx, st, 10))
	}

	sources, err := st.ListSources(ctx, store.SourceFilter{})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	got := sources[0]
	assert.Equal(t, 2, got.Analytics.TotalRuns)
	assert.Equal(t, 2, got.Analytics.TotalFailures)
	assert.Equal(t, 2, got.Analytics.ConsecutiveFailures)
	assert.Equal(t, 0, got.Analytics.TotalSuccesses)
	assert.Equal(t, "h2.title a", got.Analytics.FailedSelector)
	assert.Equal(t, "no headlines matched selector", got.Analytics.LastError)
	assert.Equal(t, model.SourceStatusActive, got.Status)
	assert.Equal(t, "h2.title a", got.HeadlineSelector)
}
