package model

// WatchlistEntity is a permanently tracked person, family, or company.
type WatchlistEntity struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        EntityType `json:"type"`
	SearchTerms []string   `json:"search_terms"`
}

// WatchlistSuggestion is a principal seen in an event that is not yet tracked.
type WatchlistSuggestion struct {
	Name     string     `json:"name"`
	Type     EntityType `json:"type"`
	EventKey string     `json:"event_key"`
	Reason   string     `json:"reason"`
}
