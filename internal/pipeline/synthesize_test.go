package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

func TestMergeIndividuals(t *testing.T) {
	got := MergeIndividuals([]model.Article{
		{KeyIndividuals: []model.KeyIndividual{{Name: "Christina Møller", Role: "Chair"}, {Name: "  "}}},
		{KeyIndividuals: []model.KeyIndividual{{Name: "Christina Moller", Company: "Møller Holding", Role: "Owner"}, {Name: "Peter Holm"}}},
	})

	require.Len(t, got, 2)
	assert.Equal(t, model.KeyIndividual{Name: "Christina Møller", Role: "Chair", Company: "Møller Holding"}, got[0])
	assert.Equal(t, "Peter Holm", got[1].Name)
}

func TestParseEventType(t *testing.T) {
	assert.Equal(t, model.EventTypeRealEstate, ParseEventType("Real Estate"))
	assert.Equal(t, model.EventTypeSale, ParseEventType(" SALE "))
	assert.Equal(t, model.EventTypeOther, ParseEventType("merger"))
}

func TestBuildEvent(t *testing.T) {
	rc := testRunContext()
	cluster := model.ArticleCluster{
		EventKey: "moller-holm-logistics-sale-2026-10-15",
		Entities: []string{"Møller family", "Holm Logistics", "møller family"},
		Articles: []model.Article{
			{ID: "m2", Link: "https://x/2", Headline: "Maersk acquires Holm", SourceName: "Reuters", RelevanceArticle: 70},
			{ID: "m1", Link: "https://x/1", Headline: "Møller family sells", SourceName: "Børsen", RelevanceArticle: 90,
				KeyIndividuals: []model.KeyIndividual{{Name: "Christina Møller"}}},
		},
	}
	hist := []model.HistoricalMatch{{ID: "old", Kind: "article", Similarity: 0.7}}

	ev := BuildEvent(rc, cluster, synthesisReply{
		Headline:       " Møller family sells Holm Logistics ",
		Summary:        "Summary.",
		AdvisorSummary: "Advisor.",
		EventType:      "sale",
		Countries:      []string{"Denmark", "denmark", " "},
	}, hist)

	assert.Equal(t, cluster.EventKey, ev.EventKey)
	assert.Equal(t, "Møller family sells Holm Logistics", ev.Headline)
	assert.Equal(t, model.EventTypeSale, ev.EventType)
	assert.Equal(t, []string{"Denmark"}, ev.Countries)
	assert.Equal(t, []string{"Møller family", "Holm Logistics"}, ev.Entities)
	assert.Equal(t, 90, ev.HighestRelevanceScore)
	assert.Equal(t, "m1", ev.LeadArticleID())
	require.Len(t, ev.SourceArticles, 2)
	assert.Equal(t, model.ArticleRef{ID: "m2", Link: "https://x/2", Headline: "Maersk acquires Holm", Source: "Reuters", Relevance: 70}, ev.SourceArticles[0])
	assert.Equal(t, hist, ev.HistoricalContext)
	assert.Equal(t, "2026-10-15", ev.Date)
	assert.Equal(t, rc.RunID, ev.RunID)
}

func TestSynthesizePhase_FailedClusterProducesNoEvent(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, forModel("synthesis-model")).Return(respondFunc(func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		if strings.Contains(userText(req), "Berg") {
			return nil, errors.New("invalid request")
		}
		if !strings.Contains(userText(req), "Historical context") {
			return nil, errors.New("missing history")
		}
		return textResponse(`{"headline":"H","summary":"S","advisor_summary":"A","event_type":"sale","countries":["Denmark"]}`), nil
	}), nil)

	clusters := []model.ArticleCluster{
		{EventKey: "holm-2026-10-15", Articles: []model.Article{{ID: "m1", Headline: "Holm sold"}}},
		{EventKey: "berg-2026-10-15", Articles: []model.Article{{ID: "b1", Headline: "Berg sold"}}},
	}
	history := map[string][]model.HistoricalMatch{
		"holm-2026-10-15": {{ID: "old", Kind: "event", Headline: "Holm weighs sale", Date: "2026-06-01", Similarity: 0.8}},
	}

	rc := testRunContext()
	events := SynthesizePhase(context.Background(), rc, testInvoker(client), clusters, history, testAnthropicConfig(), testPipelineConfig())

	require.Len(t, events, 1)
	assert.Equal(t, "holm-2026-10-15", events[0].EventKey)
	assert.Len(t, events[0].HistoricalContext, 1)
	assert.Equal(t, 1, rc.Stats().EventsFailed)
}

func TestSynthesizePhase_MissingFieldsFail(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"headline":"H"}`), nil)

	events := SynthesizePhase(context.Background(), testRunContext(), testInvoker(client),
		[]model.ArticleCluster{{EventKey: "k", Articles: []model.Article{{ID: "a"}}}}, nil, testAnthropicConfig(), testPipelineConfig())
	assert.Empty(t, events)
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
}
