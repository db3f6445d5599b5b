package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/model"
)

// Upsert shapes shared by the Postgres and SQLite backends. JSON columns are
// bound as JSON text.

var sourceUpsert = db.UpsertConfig{
	Table: "sources",
	Columns: []string{
		"id", "name", "url", "method", "headline_selector", "link_selector",
		"content_selector", "status", "updated_at",
	},
	ConflictKeys: []string{"url"},
	Returning:    "id",
}

var articleUpsert = db.UpsertConfig{
	Table: "articles",
	Columns: []string{
		"id", "link", "headline", "source_id", "source_name", "snippet", "content",
		"relevance_headline", "relevance_article", "assessment_article", "transaction_type",
		"key_individuals", "tags", "one_line_summary", "enrichment_error", "watchlist_hits",
		"embedded", "run_id", "created_at", "updated_at",
	},
	ConflictKeys: []string{"link"},
	UpdateCols: []string{
		"headline", "snippet", "content", "relevance_headline", "relevance_article",
		"assessment_article", "transaction_type", "key_individuals", "tags",
		"one_line_summary", "enrichment_error", "watchlist_hits", "embedded",
		"run_id", "updated_at",
	},
	Returning: "id",
}

var eventUpsert = db.UpsertConfig{
	Table: "events",
	Columns: []string{
		"id", "event_key", "headline", "summary", "advisor_summary", "event_type",
		"entities", "countries", "key_individuals", "source_articles", "highest_relevance_score",
		"historical_context", "date", "run_id", "updated_at",
	},
	ConflictKeys: []string{"event_key"},
	Returning:    "id",
}

var opportunityUpsert = db.UpsertConfig{
	Table: "opportunities",
	Columns: []string{
		"id", "opportunity_key", "reach_out_to", "entity_type", "contact_details",
		"why_contact", "likely_mm_dollar_wealth", "source_event_id", "source_event_key",
		"source_article_id", "run_id", "updated_at",
	},
	ConflictKeys: []string{"opportunity_key"},
	Returning:    "id",
}

var watchlistUpsert = db.UpsertConfig{
	Table:        "watchlist",
	Columns:      []string{"id", "name", "type", "search_terms"},
	ConflictKeys: []string{"id"},
}

var verdictColumns = []string{
	"id", "run_id", "started_at", "finished_at", "duration_ms", "cost", "stats", "judgement",
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// jsonText marshals v, rendering nil slices as an empty array.
func jsonText[T any](v []T) (string, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func jsonValue(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func sourceRows(sources []model.Source, now time.Time) [][]any {
	rows := make([][]any, 0, len(sources))
	for _, s := range sources {
		method := s.Method
		if method == "" {
			method = model.ScrapeMethodHTTP
		}
		status := s.Status
		if status == "" {
			status = model.SourceStatusActive
		}
		rows = append(rows, []any{
			newID(s.ID), s.Name, s.URL, string(method), s.HeadlineSelector, s.LinkSelector,
			s.ContentSelector, string(status), now,
		})
	}
	return rows
}

func articleRows(articles []model.Article, now time.Time) ([][]any, error) {
	rows := make([][]any, 0, len(articles))
	for _, a := range articles {
		individuals, err := jsonText(a.KeyIndividuals)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal key individuals for %s", a.Link)
		}
		tags, err := jsonText(a.Tags)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal tags for %s", a.Link)
		}
		hits, err := jsonText(a.WatchlistHits)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal watchlist hits for %s", a.Link)
		}
		created := a.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{
			newID(a.ID), a.Link, a.Headline, a.SourceID, a.SourceName, a.Snippet, a.Content,
			string(a.RelevanceHeadline), a.RelevanceArticle, a.AssessmentArticle, string(a.TransactionType),
			individuals, tags, a.OneLineSummary, a.EnrichmentError, hits,
			a.Embedded, a.RunID, created, now,
		})
	}
	return rows, nil
}

func eventRows(events []model.SynthesizedEvent, now time.Time) ([][]any, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		entities, err := jsonText(e.Entities)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal entities for %s", e.EventKey)
		}
		countries, err := jsonText(e.Countries)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal countries for %s", e.EventKey)
		}
		individuals, err := jsonText(e.KeyIndividuals)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal key individuals for %s", e.EventKey)
		}
		refs, err := jsonText(e.SourceArticles)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal source articles for %s", e.EventKey)
		}
		history, err := jsonText(e.HistoricalContext)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal historical context for %s", e.EventKey)
		}
		rows = append(rows, []any{
			newID(e.ID), e.EventKey, e.Headline, e.Summary, e.AdvisorSummary, string(e.EventType),
			entities, countries, individuals, refs, e.HighestRelevanceScore,
			history, e.Date, e.RunID, now,
		})
	}
	return rows, nil
}

func opportunityRows(opps []model.Opportunity, now time.Time) ([][]any, error) {
	rows := make([][]any, 0, len(opps))
	for _, o := range opps {
		contact, err := jsonValue(o.ContactDetails)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal contact details for %s", o.OpportunityKey)
		}
		why, err := jsonText(o.WhyContact)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal why contact for %s", o.OpportunityKey)
		}
		rows = append(rows, []any{
			newID(o.ID), o.OpportunityKey, o.ReachOutTo, string(o.EntityType), contact,
			why, o.LikelyMMDollarWealth, o.SourceEventID, o.SourceEventKey,
			o.SourceArticleID, o.RunID, now,
		})
	}
	return rows, nil
}

func watchlistRows(entities []model.WatchlistEntity) ([][]any, error) {
	rows := make([][]any, 0, len(entities))
	for _, w := range entities {
		terms, err := jsonText(w.SearchTerms)
		if err != nil {
			return nil, eris.Wrapf(err, "marshal search terms for %s", w.Name)
		}
		id := w.ID
		if id == "" {
			id = model.Slug(w.Name)
		}
		rows = append(rows, []any{id, w.Name, string(w.Type), terms})
	}
	return rows, nil
}

func verdictRow(v *model.RunVerdict) ([]any, error) {
	cost, err := jsonValue(v.Cost)
	if err != nil {
		return nil, eris.Wrap(err, "marshal cost")
	}
	stats, err := jsonValue(v.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "marshal stats")
	}
	judgement, err := jsonValue(v.Judgement)
	if err != nil {
		return nil, eris.Wrap(err, "marshal judgement")
	}
	return []any{
		v.ID, v.RunID, v.StartedAt.UTC(), v.FinishedAt.UTC(), v.DurationMs, cost, stats, judgement,
	}, nil
}

func decodeVerdict(v *model.RunVerdict, cost, stats, judgement string) error {
	if err := json.Unmarshal([]byte(cost), &v.Cost); err != nil {
		return eris.Wrap(err, "unmarshal cost")
	}
	if err := json.Unmarshal([]byte(stats), &v.Stats); err != nil {
		return eris.Wrap(err, "unmarshal stats")
	}
	if err := json.Unmarshal([]byte(judgement), &v.Judgement); err != nil {
		return eris.Wrap(err, "unmarshal judgement")
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
