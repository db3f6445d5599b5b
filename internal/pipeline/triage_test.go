package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
)

func headlineArticles(headlines ...string) []model.Article {
	out := make([]model.Article, len(headlines))
	for i, h := range headlines {
		out[i] = model.Article{ID: fmt.Sprintf("art-%d", i+1), Link: fmt.Sprintf("https://x/%d", i+1), Headline: h, SourceID: "s1"}
	}
	return out
}

// bucketByKeyword answers every item in the prompt, choosing the bucket
// from keywords in its headline.
func bucketByKeyword(req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	var results []map[string]string
	for _, block := range strings.Split(userText(req), "\n\n") {
		ids := triageItemIDs(block)
		if len(ids) == 0 {
			continue
		}
		bucket := "private"
		switch {
		case strings.Contains(block, "shares"):
			bucket = "public"
		case strings.Contains(block, "launches"):
			bucket = "corporate"
		}
		results = append(results, map[string]string{"id": ids[0], "bucket": bucket})
	}
	return jsonResponse(map[string]any{"results": results}), nil
}

func TestTriagePhase_Buckets(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, forModel("triage-model")).Return(respondFunc(bucketByKeyword), nil)

	articles := headlineArticles(
		"Møller family sells Holm Logistics",
		"Nordic Bank shares fall 3%",
		"Acme launches new app",
		"Founder hands over to daughter",
	)
	rc := testRunContext()
	res := TriagePhase(context.Background(), rc, testInvoker(client), articles, testAnthropicConfig(), testPipelineConfig())

	require.Len(t, res.All, 4)
	assert.Equal(t, model.TriagePrivate, res.All[0].RelevanceHeadline)
	assert.Equal(t, model.TriagePublic, res.All[1].RelevanceHeadline)
	assert.Equal(t, model.TriageCorporate, res.All[2].RelevanceHeadline)
	assert.Equal(t, model.TriagePrivate, res.All[3].RelevanceHeadline)

	require.Len(t, res.Private, 2)
	for _, a := range res.Private {
		assert.Equal(t, model.TriagePrivate, a.RelevanceHeadline)
	}
	assert.Equal(t, map[string]int{"private": 2, "public": 1, "corporate": 1}, rc.Stats().TriageBuckets)
	assert.Empty(t, articles[0].RelevanceHeadline, "input must not be mutated")
}

func TestTriagePhase_OnlyPrivateContinues(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, forModel("triage-model")).Return(respondFunc(bucketByKeyword), nil)

	var headlines []string
	for i := range 30 {
		switch i % 3 {
		case 0:
			headlines = append(headlines, fmt.Sprintf("Listed co %d shares rally", i))
		case 1:
			headlines = append(headlines, fmt.Sprintf("Startup %d launches product", i))
		default:
			headlines = append(headlines, fmt.Sprintf("Owner %d sells business", i))
		}
	}
	cfg := testPipelineConfig()
	cfg.TriageBatchSize = 7

	res := TriagePhase(context.Background(), testRunContext(), testInvoker(client), headlineArticles(headlines...), testAnthropicConfig(), cfg)
	require.Len(t, res.Private, 10)
	for _, a := range res.Private {
		assert.Contains(t, a.Headline, "sells")
	}
	client.AssertNumberOfCalls(t, "CreateMessage", 5)
}

func TestTriagePhase_CardinalityMismatchFallsBackPerArticle(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, forModel("triage-model")).Return(respondFunc(func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		if len(triageItemIDs(userText(req))) > 1 {
			// One result for a multi-item chunk.
			return jsonResponse(map[string]any{"results": []map[string]string{{"id": "1", "bucket": "public"}}}), nil
		}
		return bucketByKeyword(req)
	}), nil)

	articles := headlineArticles("Heir inherits estate", "Index shares slide", "Firm launches fund")
	rc := testRunContext()
	res := TriagePhase(context.Background(), rc, testInvoker(client), articles, testAnthropicConfig(), testPipelineConfig())

	assert.Equal(t, model.TriagePrivate, res.All[0].RelevanceHeadline)
	assert.Equal(t, model.TriagePublic, res.All[1].RelevanceHeadline)
	assert.Equal(t, model.TriageCorporate, res.All[2].RelevanceHeadline)
	client.AssertNumberOfCalls(t, "CreateMessage", 4)
}

func TestTriagePhase_FailuresDefaultToPrivate(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("invalid x-api-key"))

	articles := headlineArticles("Anything", "Else")
	res := TriagePhase(context.Background(), testRunContext(), testInvoker(client), articles, testAnthropicConfig(), testPipelineConfig())

	require.Len(t, res.Private, 2)
	for _, a := range res.All {
		assert.Equal(t, model.TriagePrivate, a.RelevanceHeadline)
	}
}

func TestTriagePhase_UnknownBucketIsPrivate(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"results":[{"id":"1","bucket":"maybe"}]}`), nil)

	res := TriagePhase(context.Background(), testRunContext(), testInvoker(client), headlineArticles("Short"), testAnthropicConfig(), testPipelineConfig())
	assert.Equal(t, model.TriagePrivate, res.All[0].RelevanceHeadline)
}

func TestTriagePhase_Empty(t *testing.T) {
	client := &mockAnthropicClient{}
	res := TriagePhase(context.Background(), testRunContext(), testInvoker(client), nil, testAnthropicConfig(), testPipelineConfig())
	assert.Empty(t, res.All)
	assert.Empty(t, res.Private)
	client.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Mø", truncate("Møller", 2))
	assert.Equal(t, "short", truncate("short", 10))
}
