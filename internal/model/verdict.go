package model

import "time"

// Rating is the judge's verdict on a single event or opportunity.
type Rating string

const (
	RatingExcellent  Rating = "Excellent"
	RatingGood       Rating = "Good"
	RatingIrrelevant Rating = "Irrelevant"
	RatingPoor       Rating = "Poor"
)

// AllRatings lists the valid ratings in descending quality order.
func AllRatings() []Rating {
	return []Rating{RatingExcellent, RatingGood, RatingIrrelevant, RatingPoor}
}

// ModelCost is token usage and spend for one model within a run.
type ModelCost struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostSummary is the per-run cost breakdown.
type CostSummary struct {
	Models   []ModelCost `json:"models"`
	TotalUSD float64     `json:"total_usd"`
}

// RunStats counts what a run processed and produced.
type RunStats struct {
	SourcesTotal         int            `json:"sources_total"`
	SourcesSucceeded     int            `json:"sources_succeeded"`
	SourcesFailed        int            `json:"sources_failed"`
	ArticlesScraped      int            `json:"articles_scraped"`
	ArticlesSkippedSeen  int            `json:"articles_skipped_seen"`
	TriageBuckets        map[string]int `json:"triage_buckets"`
	ArticlesAssessed     int            `json:"articles_assessed"`
	ArticlesErrored      int            `json:"articles_errored"`
	IndividualsDiscarded int            `json:"individuals_discarded"`
	WatchlistHits        int            `json:"watchlist_hits"`
	Clusters             int            `json:"clusters"`
	EventsSynthesized    int            `json:"events_synthesized"`
	EventsFailed         int            `json:"events_failed"`
	OpportunitiesCreated int            `json:"opportunities_created"`
	OpportunitiesDropped int            `json:"opportunities_dropped"`
	WatchlistSuggestions int            `json:"watchlist_suggestions"`
	PersistenceErrors    int            `json:"persistence_errors"`
}

// ItemRating is the judge output for one event or opportunity.
type ItemRating struct {
	Key       string `json:"key"`
	Rating    Rating `json:"rating"`
	Rationale string `json:"rationale,omitempty"`
}

// Judgement is the AI self-assessment of a run's output quality.
type Judgement struct {
	EventRatings       []ItemRating   `json:"event_ratings"`
	OpportunityRatings []ItemRating   `json:"opportunity_ratings"`
	Counts             map[Rating]int `json:"counts"`
	Narrative          string         `json:"narrative"`
	Error              string         `json:"error,omitempty"`
}

// RunVerdict is the append-only observability record for one pipeline run.
type RunVerdict struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	DurationMs int64       `json:"duration_ms"`
	Cost       CostSummary `json:"cost"`
	Stats      RunStats    `json:"stats"`
	Judgement  Judgement   `json:"judgement"`
}
