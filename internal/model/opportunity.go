package model

// EntityType is the kind of wealth holder being tracked or contacted.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityFamily  EntityType = "family"
	EntityCompany EntityType = "company"
)

// ContactDetails holds what is known about how to reach an opportunity.
type ContactDetails struct {
	Role     string `json:"role,omitempty"`
	Company  string `json:"company,omitempty"`
	Email    string `json:"email,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
}

// Opportunity is a contactable lead derived from an event.
type Opportunity struct {
	ID                   string         `json:"id"`
	OpportunityKey       string         `json:"opportunity_key"`
	ReachOutTo           string         `json:"reach_out_to"`
	EntityType           EntityType     `json:"entity_type"`
	ContactDetails       ContactDetails `json:"contact_details"`
	WhyContact           []string       `json:"why_contact"`
	LikelyMMDollarWealth float64        `json:"likely_mm_dollar_wealth"`
	SourceEventID        string         `json:"source_event_id"`
	SourceEventKey       string         `json:"source_event_key"`
	SourceArticleID      string         `json:"source_article_id"`
	RunID                string         `json:"run_id"`
}

// OpportunityKey derives the idempotency key for an opportunity.
func OpportunityKey(eventKey, reachOutTo string) string {
	return eventKey + ":" + Slug(reachOutTo)
}
