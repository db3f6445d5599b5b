package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

const stageOpportunity = "opportunity"

// maxWhyContact bounds the reasons kept per opportunity.
const maxWhyContact = 5

const opportunitySystemPrompt = `You turn one wealth event into contactable leads for a private wealth advisor.
Only name the principals who hold or receive the wealth: founders, selling owners, families, heirs, and their private holding companies.
Never name advisers, investment banks, banks, lawyers, brokers, or executives of the acquiring company.
Return JSON only:
{"opportunities":[{"reachOutTo":"full name","entityType":"person|family|company","role":"...","company":"...","email":"","linkedin":"","whyContact":["1 to 5 short reasons"],"likelyMMDollarWealth":0}]}
Return {"opportunities":[]} when no principal is named.`

type opportunityDraft struct {
	ReachOutTo           string   `json:"reachOutTo" validate:"required"`
	EntityType           string   `json:"entityType"`
	Role                 string   `json:"role"`
	Company              string   `json:"company"`
	Email                string   `json:"email"`
	LinkedIn             string   `json:"linkedin"`
	WhyContact           []string `json:"whyContact"`
	LikelyMMDollarWealth float64  `json:"likelyMMDollarWealth" validate:"min=0"`
}

type opportunityReply struct {
	Opportunities []opportunityDraft `json:"opportunities" validate:"dive"`
}

// peripheralRoles mark transaction participants who are not wealth holders.
var peripheralRoles = []string{
	"advisor", "adviser", "advisory", "banker", "bank", "lawyer", "attorney",
	"counsel", "solicitor", "law firm", "broker", "consultant", "acquir", "buyer",
	"investment manager", "analyst", "spokesperson",
}

// peripheralNames mark organisations that are never principals. Entries are
// matched as whole words against the space-padded folded name.
var peripheralNames = []string{
	" bank ", " llp ", " law firm ", " legal ", " advisors ", " advisers ",
	" advisory ", " securities ", " capital markets ",
}

// IsPrincipal reports whether name is a wealth holder of ev. It is false for
// names that look like an adviser, bank or law firm, for key individuals with
// a peripheral role, and for the firms those individuals work for or act on
// behalf of (the advising bank, the acquirer). Any other name must be one of
// the event's key individuals or share a significant token with the
// clustered principal entities or a principal's company.
func IsPrincipal(name string, ev model.SynthesizedEvent) bool {
	folded := " " + strings.TrimSpace(model.Fold(name)) + " "
	if strings.TrimSpace(folded) == "" {
		return false
	}
	for _, p := range peripheralNames {
		if strings.Contains(folded, p) {
			return false
		}
	}

	nameKey := model.Slug(name)
	if nameKey == "" {
		return false
	}
	grounded := false
	principals := append([]string{}, ev.Entities...)
	for _, ki := range ev.KeyIndividuals {
		if isPeripheralRole(ki.Role) {
			if model.Slug(ki.Name) == nameKey || model.Slug(ki.Company) == nameKey || containsSlug(ki.Role, nameKey) {
				return false
			}
			continue
		}
		if model.Slug(ki.Name) == nameKey {
			grounded = true
		}
		principals = append(principals, ki.Company)
	}
	if grounded {
		return true
	}

	entities := tokenSet(strings.Join(principals, "\n"))
	for _, t := range model.SignificantTokens(name) {
		if entities[t] {
			return true
		}
	}
	return false
}

// containsSlug reports whether key appears as a whole-word run inside text.
func containsSlug(text, key string) bool {
	return strings.Contains("-"+model.Slug(text)+"-", "-"+key+"-")
}

func isPeripheralRole(role string) bool {
	r := model.Fold(role)
	for _, p := range peripheralRoles {
		if strings.Contains(r, p) {
			return true
		}
	}
	return false
}

// OpportunityResult is the output of the opportunity phase.
type OpportunityResult struct {
	Opportunities []model.Opportunity
	Dropped       int
}

// OpportunityPhase generates leads for each event with bounded concurrency.
// Non-principals and leads without a reason to contact are dropped.
func OpportunityPhase(ctx context.Context, rc *RunContext, inv *llm.Invoker, events []model.SynthesizedEvent, aiCfg config.AnthropicConfig, cfg config.PipelineConfig) *OpportunityResult {
	limit := cfg.SynthesisConcurrency
	if limit <= 0 {
		limit = 4
	}

	perEvent := make([][]model.Opportunity, len(events))
	var mu sync.Mutex
	dropped := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ev := range events {
		g.Go(func() error {
			drafts, err := draftOpportunities(gctx, rc, inv, ev, aiCfg)
			if err != nil {
				return nil
			}
			opps, n := BuildOpportunities(rc, ev, drafts)
			perEvent[i] = opps
			mu.Lock()
			dropped += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := &OpportunityResult{Dropped: dropped}
	for _, opps := range perEvent {
		res.Opportunities = append(res.Opportunities, opps...)
	}
	rc.Update(func(s *model.RunStats) { s.OpportunitiesDropped += dropped })
	rc.Log.Info("opportunity: complete",
		zap.Int("events", len(events)),
		zap.Int("opportunities", len(res.Opportunities)),
		zap.Int("dropped", dropped),
	)
	return res
}

func draftOpportunities(ctx context.Context, rc *RunContext, inv *llm.Invoker, ev model.SynthesizedEvent, aiCfg config.AnthropicConfig) ([]opportunityDraft, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Event: %s\nType: %s\nSummary: %s\n\nKey individuals:\n", ev.Headline, ev.EventType, ev.Summary)
	for _, ki := range ev.KeyIndividuals {
		fmt.Fprintf(&b, "- %s, %s, %s\n", ki.Name, ki.Role, ki.Company)
	}
	b.WriteString("\nSource articles:\n")
	for _, ref := range ev.SourceArticles {
		fmt.Fprintf(&b, "- %s (%s)\n", ref.Headline, ref.Source)
	}

	reply, usage, err := llm.Invoke[opportunityReply](ctx, inv, llm.Request{
		Stage:     stageOpportunity,
		Model:     aiCfg.OpportunityModel,
		System:    anthropic.CachedSystem(opportunitySystemPrompt),
		User:      b.String(),
		MaxTokens: 1500,
	})
	rc.recordCall(stageOpportunity, aiCfg.OpportunityModel, usage, err)
	if err != nil {
		return nil, err
	}
	return reply.Opportunities, nil
}

// BuildOpportunities applies the principal filter and reason trimming to
// drafts and links the survivors to ev and its lead article. It returns the
// kept opportunities and how many drafts were dropped.
func BuildOpportunities(rc *RunContext, ev model.SynthesizedEvent, drafts []opportunityDraft) ([]model.Opportunity, int) {
	var out []model.Opportunity
	seen := make(map[string]bool)
	dropped := 0
	for _, d := range drafts {
		name := strings.TrimSpace(d.ReachOutTo)
		why := trimReasons(d.WhyContact)
		key := model.OpportunityKey(ev.EventKey, name)
		if !IsPrincipal(name, ev) || len(why) == 0 || seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		out = append(out, model.Opportunity{
			ID:             uuid.NewString(),
			OpportunityKey: key,
			ReachOutTo:     name,
			EntityType:     ParseEntityType(d.EntityType),
			ContactDetails: model.ContactDetails{
				Role:     strings.TrimSpace(d.Role),
				Company:  strings.TrimSpace(d.Company),
				Email:    strings.TrimSpace(d.Email),
				LinkedIn: strings.TrimSpace(d.LinkedIn),
			},
			WhyContact:           why,
			LikelyMMDollarWealth: d.LikelyMMDollarWealth,
			SourceEventID:        ev.ID,
			SourceEventKey:       ev.EventKey,
			SourceArticleID:      ev.LeadArticleID(),
			RunID:                rc.RunID,
		})
	}
	return out, dropped
}

func trimReasons(in []string) []string {
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
		if len(out) == maxWhyContact {
			break
		}
	}
	return out
}

// ParseEntityType maps model output to an EntityType, defaulting to person.
func ParseEntityType(s string) model.EntityType {
	switch model.EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case model.EntityFamily:
		return model.EntityFamily
	case model.EntityCompany:
		return model.EntityCompany
	default:
		return model.EntityPerson
	}
}

// SuggestWatchlistEntities returns principals seen in this run that the
// watchlist does not track yet: opportunity targets plus event key
// individuals with a non-peripheral role. Suggestions are deduplicated by
// name; approving them happens elsewhere.
func SuggestWatchlistEntities(events []model.SynthesizedEvent, opps []model.Opportunity, watch *WatchlistMatcher) []model.WatchlistSuggestion {
	var out []model.WatchlistSuggestion
	seen := make(map[string]bool)
	add := func(name string, typ model.EntityType, eventKey, reason string) {
		key := model.Slug(name)
		if key == "" || seen[key] || (watch != nil && watch.Tracks(name)) {
			return
		}
		seen[key] = true
		out = append(out, model.WatchlistSuggestion{Name: name, Type: typ, EventKey: eventKey, Reason: reason})
	}

	for _, o := range opps {
		add(o.ReachOutTo, o.EntityType, o.SourceEventKey, "opportunity target")
	}
	for _, ev := range events {
		for _, ki := range ev.KeyIndividuals {
			if IsPrincipal(ki.Name, ev) {
				add(ki.Name, model.EntityPerson, ev.EventKey, "event principal")
			}
		}
	}
	return out
}
