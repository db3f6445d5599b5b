package store

import (
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wealth-intel/internal/model"
)

var sourceColumns = []string{
	"id", "name", "url", "method", "headline_selector", "link_selector", "content_selector",
	"status", "last_scraped_at", "last_success_at", "total_runs", "total_successes",
	"total_failures", "total_scraped", "total_relevant", "last_run_headline_count",
	"consecutive_failures", "last_error", "failed_selector",
}

func sourceQuery(b sq.StatementBuilderType, filter SourceFilter) sq.SelectBuilder {
	q := b.Select(sourceColumns...).From("sources").OrderBy("name")
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	return q
}

func verdictQuery(b sq.StatementBuilderType, filter VerdictFilter) sq.SelectBuilder {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	q := b.Select(verdictColumns...).From("run_verdicts").OrderBy("started_at DESC").Limit(uint64(limit))
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"started_at": filter.Since})
	}
	return q
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (model.Source, error) {
	var s model.Source
	a := &s.Analytics
	err := row.Scan(
		&s.ID, &s.Name, &s.URL, &s.Method, &s.HeadlineSelector, &s.LinkSelector, &s.ContentSelector,
		&s.Status, &s.LastScrapedAt, &s.LastSuccessAt, &a.TotalRuns, &a.TotalSuccesses,
		&a.TotalFailures, &a.TotalScraped, &a.TotalRelevant, &a.LastRunHeadlineCount,
		&a.ConsecutiveFailures, &a.LastError, &a.FailedSelector,
	)
	return s, err
}

func scanWatchlist(row scannable) (model.WatchlistEntity, error) {
	var w model.WatchlistEntity
	var terms string
	if err := row.Scan(&w.ID, &w.Name, &w.Type, &terms); err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(terms), &w.SearchTerms); err != nil {
		return w, eris.Wrapf(err, "unmarshal search terms for %s", w.ID)
	}
	return w, nil
}

func scanVerdict(row scannable) (model.RunVerdict, error) {
	var v model.RunVerdict
	var cost, stats, judgement string
	if err := row.Scan(&v.ID, &v.RunID, &v.StartedAt, &v.FinishedAt, &v.DurationMs, &cost, &stats, &judgement); err != nil {
		return v, err
	}
	return v, decodeVerdict(&v, cost, stats, judgement)
}
