package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/resilience"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

func TestLoadExamples_Default(t *testing.T) {
	ex, err := LoadExamples("")
	require.NoError(t, err)
	require.NotEmpty(t, ex)
	for _, e := range ex {
		assert.NotEmpty(t, e.Article)
		assert.Contains(t, e.Response, "relevance_article")
	}
}

func TestLoadExamples_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`examples:
  - article: "Headline: X"
    response: '{"relevance_article": 1}'
`), 0o600))

	ex, err := LoadExamples(path)
	require.NoError(t, err)
	require.Len(t, ex, 1)
	assert.Equal(t, "Headline: X", ex[0].Article)
}

func TestLoadExamples_Errors(t *testing.T) {
	_, err := LoadExamples(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("examples: []\n"), 0o600))
	_, err = LoadExamples(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no examples")
}

func TestGroundIndividuals(t *testing.T) {
	text := "Christina Møller and her brother sell Møller Holding to a buyer advised by Jens Fog."
	kept, dropped := GroundIndividuals(text, []model.KeyIndividual{
		{Name: "Christina Moller", Role: "Owner"},
		{Name: " Jens Fog "},
		{Name: "Karen Møller"},
		{Name: "Li Wu"},
		{Name: ""},
	})

	names := make([]string, len(kept))
	for i, k := range kept {
		names[i] = k.Name
	}
	// Karen Møller is kept on the surname token; Li Wu has no token longer than two runes.
	assert.Equal(t, []string{"Christina Moller", "Jens Fog", "Karen Møller"}, names)
	assert.Equal(t, 2, dropped)
}

func TestParseTransactionType(t *testing.T) {
	tests := []struct {
		in   string
		want model.TransactionType
	}{
		{"M&A", model.TransactionMA},
		{"m&a", model.TransactionMA},
		{"acquisition", model.TransactionMA},
		{"real estate", model.TransactionRealEstate},
		{"Succession", model.TransactionSuccession},
		{"", model.TransactionNone},
		{"spin-off", model.TransactionOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseTransactionType(tt.in))
		})
	}
}

func assessArticleFixture() model.Article {
	return model.Article{
		ID:         "art-1",
		Link:       "https://x/moller",
		Headline:   "Møller family sells Holm Logistics to Maersk",
		SourceName: "Børsen",
		Content:    "Christina Møller, chair of the family holding, confirmed the sale. Advisers included Nordea.",
	}
}

func TestAssessPhase_Success(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, forModel("assess-model")).Return(jsonResponse(map[string]any{
		"relevance_article":  88,
		"assessment_article": " Family liquidity event. ",
		"transactionType":    "M&A",
		"key_individuals": []map[string]string{
			{"name": "Christina Møller", "role": "Chair"},
			{"name": "Invented Person"},
		},
		"tags":             []string{"Family-Business", "family-business", " denmark "},
		"one_line_summary": "Møller family sells Holm Logistics to Maersk",
	}), nil).Once()

	rc := testRunContext()
	out := AssessPhase(context.Background(), rc, testInvoker(client), []model.Article{assessArticleFixture()}, nil, testAnthropicConfig(), testPipelineConfig())

	require.Len(t, out, 1)
	a := out[0]
	assert.True(t, a.Assessed())
	assert.Equal(t, 88, a.RelevanceArticle)
	assert.Equal(t, "Family liquidity event.", a.AssessmentArticle)
	assert.Equal(t, model.TransactionMA, a.TransactionType)
	require.Len(t, a.KeyIndividuals, 1)
	assert.Equal(t, "Christina Møller", a.KeyIndividuals[0].Name)
	assert.Equal(t, []string{"family-business", "denmark"}, a.Tags)

	stats := rc.Stats()
	assert.Equal(t, 1, stats.ArticlesAssessed)
	assert.Equal(t, 1, stats.IndividualsDiscarded)
	assert.Positive(t, rc.Cost.Summary().TotalUSD)
}

func TestAssessPhase_SystemPromptCarriesExamples(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.System) == 1 && strings.Contains(req.System[0].Text, "UNIQUE-EXAMPLE-MARKER")
	})).Return(textResponse(`{"relevance_article":10,"assessment_article":"x","one_line_summary":"y"}`), nil).Once()

	examples := []Example{{Article: "UNIQUE-EXAMPLE-MARKER", Response: "{}"}}
	out := AssessPhase(context.Background(), testRunContext(), testInvoker(client), []model.Article{assessArticleFixture()}, examples, testAnthropicConfig(), testPipelineConfig())
	assert.True(t, out[0].Assessed())
	client.AssertExpectations(t)
}

func TestAssessPhase_InvalidReplyIsNotRetried(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"relevance_article":150,"assessment_article":"x","one_line_summary":"y"}`), nil)

	rc := testRunContext()
	out := AssessPhase(context.Background(), rc, testInvoker(client), []model.Article{assessArticleFixture()}, nil, testAnthropicConfig(), testPipelineConfig())

	require.Len(t, out, 1)
	assert.False(t, out[0].Assessed())
	assert.True(t, strings.HasPrefix(out[0].EnrichmentError, string(resilience.ClassValidation)+": "))
	client.AssertNumberOfCalls(t, "CreateMessage", 1)
	assert.Equal(t, 1, rc.Stats().ArticlesErrored)
}

func TestAssessPhase_TransientFailureIsRetried(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &resilience.TransientError{Err: errors.New("overloaded")}).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"relevance_article":60,"assessment_article":"x","one_line_summary":"y"}`), nil).Once()

	out := AssessPhase(context.Background(), testRunContext(), testInvoker(client), []model.Article{assessArticleFixture()}, nil, testAnthropicConfig(), testPipelineConfig())
	assert.True(t, out[0].Assessed())
	assert.Equal(t, 60, out[0].RelevanceArticle)
	client.AssertNumberOfCalls(t, "CreateMessage", 2)
}
