package store

import (
	"context"
	"time"

	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/model"
)

// SourceFilter specifies criteria for listing sources.
type SourceFilter struct {
	Status []model.SourceStatus `json:"status,omitempty"`
}

// VerdictFilter specifies criteria for listing run verdicts.
type VerdictFilter struct {
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for the intelligence pipeline.
// Articles, events and opportunities are only ever written by upsert on
// their natural keys (link, event_key, opportunity_key).
type Store interface {
	// Sources
	ListSources(ctx context.Context, filter SourceFilter) ([]model.Source, error)
	UpsertSources(ctx context.Context, sources []model.Source) (*db.BulkResult, error)
	ApplySourceHealth(ctx context.Context, updates []model.SourceHealthUpdate, pruneMinRuns int) error
	AddSourceRelevant(ctx context.Context, counts map[string]int) error

	// Articles
	ExistingLinks(ctx context.Context, links []string) (map[string]bool, error)
	UpsertArticles(ctx context.Context, articles []model.Article) (*db.BulkResult, error)

	// Events and opportunities
	UpsertEvents(ctx context.Context, events []model.SynthesizedEvent) (*db.BulkResult, error)
	UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (*db.BulkResult, error)
	SetEventOpportunities(ctx context.Context, eventID string, opportunityIDs []string) error

	// Watchlist
	ListWatchlist(ctx context.Context) ([]model.WatchlistEntity, error)
	UpsertWatchlist(ctx context.Context, entities []model.WatchlistEntity) (*db.BulkResult, error)

	// Run verdicts (append-only)
	InsertRunVerdict(ctx context.Context, v *model.RunVerdict) error
	ListRunVerdicts(ctx context.Context, filter VerdictFilter) ([]model.RunVerdict, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
