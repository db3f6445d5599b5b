package model

import "time"

// TriageBucket is the cheap first-pass relevance classification.
type TriageBucket string

const (
	TriagePrivate   TriageBucket = "private"
	TriagePublic    TriageBucket = "public"
	TriageCorporate TriageBucket = "corporate"
)

// ParseTriageBucket maps model output to a bucket. Anything that is not
// clearly public or corporate is private.
func ParseTriageBucket(s string) TriageBucket {
	switch TriageBucket(normalizeWord(s)) {
	case TriagePublic:
		return TriagePublic
	case TriageCorporate:
		return TriageCorporate
	default:
		return TriagePrivate
	}
}

// TransactionType is the deal classification produced by deep assessment.
type TransactionType string

const (
	TransactionMA         TransactionType = "M&A"
	TransactionIPO        TransactionType = "IPO"
	TransactionFunding    TransactionType = "Funding"
	TransactionSuccession TransactionType = "Succession"
	TransactionLiquidity  TransactionType = "Liquidity"
	TransactionRealEstate TransactionType = "Real Estate"
	TransactionOther      TransactionType = "Other"
	TransactionNone       TransactionType = "None"
)

// KeyIndividual is a person named in an article or event.
type KeyIndividual struct {
	Name       string `json:"name" validate:"required"`
	Role       string `json:"role,omitempty"`
	Company    string `json:"company,omitempty"`
	EmailGuess string `json:"email_guess,omitempty"`
}

// Headline is a single item returned by a source listing page.
type Headline struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// Article is one scraped headline plus its enrichment.
type Article struct {
	ID                string          `json:"id"`
	Link              string          `json:"link"`
	Headline          string          `json:"headline"`
	SourceID          string          `json:"source_id"`
	SourceName        string          `json:"source_name"`
	Snippet           string          `json:"snippet,omitempty"`
	Content           string          `json:"content,omitempty"`
	RelevanceHeadline TriageBucket    `json:"relevance_headline,omitempty"`
	RelevanceArticle  int             `json:"relevance_article"`
	AssessmentArticle string          `json:"assessment_article,omitempty"`
	TransactionType   TransactionType `json:"transaction_type,omitempty"`
	KeyIndividuals    []KeyIndividual `json:"key_individuals,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	OneLineSummary    string          `json:"one_line_summary,omitempty"`
	EnrichmentError   string          `json:"enrichment_error,omitempty"`
	WatchlistHits     []string        `json:"watchlist_hits,omitempty"`
	Embedded          bool            `json:"embedded"`
	Emailed           bool            `json:"emailed"`
	RunID             string          `json:"run_id"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Text returns the text used for grounding checks.
func (a Article) Text() string {
	if a.Content == "" {
		return a.Headline + "\n" + a.Snippet
	}
	return a.Headline + "\n" + a.Content
}

// Assessed reports whether deep assessment produced a usable result.
func (a Article) Assessed() bool {
	return a.EnrichmentError == "" && a.OneLineSummary != ""
}

// ArticleRef is the denormalized article reference stored on events.
type ArticleRef struct {
	ID        string `json:"id"`
	Link      string `json:"link"`
	Headline  string `json:"headline"`
	Source    string `json:"source"`
	Relevance int    `json:"relevance"`
}

// Ref builds the denormalized reference for a.
func (a Article) Ref() ArticleRef {
	return ArticleRef{
		ID:        a.ID,
		Link:      a.Link,
		Headline:  a.Headline,
		Source:    a.SourceName,
		Relevance: a.RelevanceArticle,
	}
}
