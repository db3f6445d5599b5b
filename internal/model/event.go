package model

import "time"

// EventType classifies a synthesized event.
type EventType string

const (
	EventTypeSale        EventType = "sale"
	EventTypeAcquisition EventType = "acquisition"
	EventTypeIPO         EventType = "ipo"
	EventTypeFunding     EventType = "funding"
	EventTypeSuccession  EventType = "succession"
	EventTypeLiquidity   EventType = "liquidity"
	EventTypeRealEstate  EventType = "real_estate"
	EventTypeOther       EventType = "other"
)

// HistoricalMatch is a prior article or event found by vector similarity.
// It is context for synthesis, never a merge target.
type HistoricalMatch struct {
	ID         string  `json:"id"`
	Kind       string  `json:"kind"` // "article" or "event"
	Headline   string  `json:"headline"`
	Date       string  `json:"date,omitempty"`
	EventKey   string  `json:"event_key,omitempty"`
	Similarity float64 `json:"similarity"`
}

// ArticleCluster is one group of same-run articles about a single event.
type ArticleCluster struct {
	EventKey string    `json:"event_key"`
	Entities []string  `json:"entities"`
	Action   string    `json:"action"`
	Articles []Article `json:"-"`
}

// IDs returns the member article IDs.
func (c ArticleCluster) IDs() []string {
	ids := make([]string, len(c.Articles))
	for i, a := range c.Articles {
		ids[i] = a.ID
	}
	return ids
}

// Lead returns the member with the highest relevance score.
func (c ArticleCluster) Lead() Article {
	var lead Article
	for i, a := range c.Articles {
		if i == 0 || a.RelevanceArticle > lead.RelevanceArticle {
			lead = a
		}
	}
	return lead
}

// SynthesizedEvent is one real-world event built from one or more articles.
type SynthesizedEvent struct {
	ID                    string            `json:"id"`
	EventKey              string            `json:"event_key"`
	Headline              string            `json:"headline"`
	Summary               string            `json:"summary"`
	AdvisorSummary        string            `json:"advisor_summary"`
	EventType             EventType         `json:"event_type"`
	Entities              []string          `json:"entities"`
	Countries             []string          `json:"countries"`
	KeyIndividuals        []KeyIndividual   `json:"key_individuals"`
	SourceArticles        []ArticleRef      `json:"source_articles"`
	HighestRelevanceScore int               `json:"highest_relevance_score"`
	RelatedOpportunities  []string          `json:"related_opportunities,omitempty"`
	HistoricalContext     []HistoricalMatch `json:"historical_context,omitempty"`
	Date                  string            `json:"date"`
	RunID                 string            `json:"run_id"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// LeadArticleID returns the ID of the highest-relevance source article.
func (e SynthesizedEvent) LeadArticleID() string {
	best := -1
	var id string
	for _, ref := range e.SourceArticles {
		if ref.Relevance > best {
			best = ref.Relevance
			id = ref.ID
		}
	}
	return id
}
