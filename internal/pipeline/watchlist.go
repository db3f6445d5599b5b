package pipeline

import (
	"slices"
	"strings"

	"github.com/sells-group/wealth-intel/internal/model"
)

type watchTerm struct {
	entityID string
	term     string // folded
}

// WatchlistMatcher does case-insensitive substring matching of watchlist
// names and search terms against article text.
type WatchlistMatcher struct {
	terms []watchTerm
}

// NewWatchlistMatcher indexes the canonical name and every search term of
// each entity. Terms are folded so "Moller" also matches "Møller".
func NewWatchlistMatcher(entities []model.WatchlistEntity) *WatchlistMatcher {
	m := &WatchlistMatcher{}
	for _, e := range entities {
		seen := make(map[string]bool)
		for _, t := range append([]string{e.Name}, e.SearchTerms...) {
			folded := strings.TrimSpace(model.Fold(t))
			if folded == "" || seen[folded] {
				continue
			}
			seen[folded] = true
			m.terms = append(m.terms, watchTerm{entityID: e.ID, term: folded})
		}
	}
	return m
}

// Match returns the IDs of entities with a term in text, in watchlist order.
func (m *WatchlistMatcher) Match(text string) []string {
	folded := model.Fold(text)
	var hits []string
	for _, t := range m.terms {
		if slices.Contains(hits, t.entityID) {
			continue
		}
		if strings.Contains(folded, t.term) {
			hits = append(hits, t.entityID)
		}
	}
	return hits
}

// Apply appends matches to each article's WatchlistHits without duplicates
// and returns the number of new hits.
func (m *WatchlistMatcher) Apply(articles []model.Article) int {
	total := 0
	for i := range articles {
		a := &articles[i]
		text := strings.Join([]string{a.Headline, a.OneLineSummary, a.AssessmentArticle, a.Snippet}, "\n")
		for _, id := range m.Match(text) {
			if slices.Contains(a.WatchlistHits, id) {
				continue
			}
			a.WatchlistHits = append(a.WatchlistHits, id)
			total++
		}
	}
	return total
}

// Tracks reports whether name is already covered by the watchlist.
func (m *WatchlistMatcher) Tracks(name string) bool {
	folded := strings.TrimSpace(model.Fold(name))
	if folded == "" {
		return false
	}
	for _, t := range m.terms {
		if t.term == folded {
			return true
		}
	}
	return false
}
