package model

import "time"

// SourceStatus is the lifecycle state of a scrape source.
type SourceStatus string

const (
	SourceStatusActive SourceStatus = "active"
	SourceStatusPaused SourceStatus = "paused"
	SourceStatusPruned SourceStatus = "pruned"
)

// ScrapeMethod selects how a source is fetched.
type ScrapeMethod string

const (
	ScrapeMethodHTTP    ScrapeMethod = "http"
	ScrapeMethodBrowser ScrapeMethod = "browser"
)

// Source is a scrape recipe plus its running health analytics.
type Source struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name" yaml:"name"`
	URL              string          `json:"url" yaml:"url"`
	Method           ScrapeMethod    `json:"method" yaml:"method"`
	HeadlineSelector string          `json:"headline_selector" yaml:"headline_selector"`
	LinkSelector     string          `json:"link_selector,omitempty" yaml:"link_selector"`
	ContentSelector  string          `json:"content_selector,omitempty" yaml:"content_selector"`
	Status           SourceStatus    `json:"status" yaml:"status"`
	LastScrapedAt    *time.Time      `json:"last_scraped_at,omitempty" yaml:"-"`
	LastSuccessAt    *time.Time      `json:"last_success_at,omitempty" yaml:"-"`
	Analytics        SourceAnalytics `json:"analytics" yaml:"-"`
}

// SourceAnalytics accumulates scrape outcomes across runs.
type SourceAnalytics struct {
	TotalRuns            int    `json:"total_runs"`
	TotalSuccesses       int    `json:"total_successes"`
	TotalFailures        int    `json:"total_failures"`
	TotalScraped         int    `json:"total_scraped"`
	TotalRelevant        int    `json:"total_relevant"`
	LastRunHeadlineCount int    `json:"last_run_headline_count"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	LastError            string `json:"last_error,omitempty"`
	FailedSelector       string `json:"failed_selector,omitempty"`
}

// SuccessRate returns successes / runs, or 0 before the first run.
func (a SourceAnalytics) SuccessRate() float64 {
	if a.TotalRuns == 0 {
		return 0
	}
	return float64(a.TotalSuccesses) / float64(a.TotalRuns)
}

// SourceReport is the outcome of scraping one source in one run.
type SourceReport struct {
	SourceID       string `json:"source_id"`
	SourceName     string `json:"source_name"`
	Success        bool   `json:"success"`
	Count          int    `json:"count"`
	Error          string `json:"error,omitempty"`
	FailedSelector string `json:"failed_selector,omitempty"`
}

// SourceHealthUpdate is one row of the per-run analytics bulk write.
type SourceHealthUpdate struct {
	SourceID       string
	Success        bool
	HeadlineCount  int
	Error          string
	FailedSelector string
	At             time.Time
}
