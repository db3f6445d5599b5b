package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/cost"
	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/resilience"
	"github.com/sells-group/wealth-intel/internal/store"
	"github.com/sells-group/wealth-intel/pkg/anthropic"
	"github.com/sells-group/wealth-intel/pkg/embedding"
	"github.com/sells-group/wealth-intel/pkg/vectorstore"
)

// --- Anthropic Mock ---

// respondFunc lets a mocked call build its reply from the request.
type respondFunc func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(respondFunc); ok {
		return fn(req)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 200, OutputTokens: 50},
	}
}

func jsonResponse(v any) *anthropic.MessageResponse {
	b, _ := json.Marshal(v)
	return textResponse(string(b))
}

func forModel(name string) any {
	return mock.MatchedBy(func(req anthropic.MessageRequest) bool { return req.Model == name })
}

func userText(req anthropic.MessageRequest) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[0].Content
}

// --- Fetcher Mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchHeadlines(ctx context.Context, src model.Source) ([]model.Headline, error) {
	args := m.Called(ctx, src)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Headline), args.Error(1)
}

func (m *mockFetcher) FetchArticleContent(ctx context.Context, url, selector string) (string, error) {
	args := m.Called(ctx, url, selector)
	return args.String(0), args.Error(1)
}

// --- Embedder Mock ---

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) (*embedding.Result, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*embedding.Result), args.Error(1)
}

func (m *mockEmbedder) Model() string { return "text-embedding-3-small" }

// --- Vector Index Mock ---

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) Upsert(ctx context.Context, recs []vectorstore.Record) error {
	return m.Called(ctx, recs).Error(0)
}

func (m *mockIndex) Query(ctx context.Context, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	args := m.Called(ctx, vector, topK, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]vectorstore.Match), args.Error(1)
}

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListSources(ctx context.Context, filter store.SourceFilter) ([]model.Source, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Source), args.Error(1)
}

func (m *mockStore) UpsertSources(ctx context.Context, sources []model.Source) (*db.BulkResult, error) {
	return m.bulk(m.Called(ctx, sources))
}

func (m *mockStore) ApplySourceHealth(ctx context.Context, updates []model.SourceHealthUpdate, pruneMinRuns int) error {
	return m.Called(ctx, updates, pruneMinRuns).Error(0)
}

func (m *mockStore) AddSourceRelevant(ctx context.Context, counts map[string]int) error {
	return m.Called(ctx, counts).Error(0)
}

func (m *mockStore) ExistingLinks(ctx context.Context, links []string) (map[string]bool, error) {
	args := m.Called(ctx, links)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *mockStore) UpsertArticles(ctx context.Context, articles []model.Article) (*db.BulkResult, error) {
	return m.bulk(m.Called(ctx, articles))
}

func (m *mockStore) UpsertEvents(ctx context.Context, events []model.SynthesizedEvent) (*db.BulkResult, error) {
	return m.bulk(m.Called(ctx, events))
}

func (m *mockStore) UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (*db.BulkResult, error) {
	return m.bulk(m.Called(ctx, opps))
}

func (m *mockStore) SetEventOpportunities(ctx context.Context, eventID string, ids []string) error {
	return m.Called(ctx, eventID, ids).Error(0)
}

func (m *mockStore) ListWatchlist(ctx context.Context) ([]model.WatchlistEntity, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.WatchlistEntity), args.Error(1)
}

func (m *mockStore) UpsertWatchlist(ctx context.Context, entities []model.WatchlistEntity) (*db.BulkResult, error) {
	return m.bulk(m.Called(ctx, entities))
}

func (m *mockStore) InsertRunVerdict(ctx context.Context, v *model.RunVerdict) error {
	return m.Called(ctx, v).Error(0)
}

func (m *mockStore) ListRunVerdicts(ctx context.Context, filter store.VerdictFilter) ([]model.RunVerdict, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RunVerdict), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error    { return m.Called(ctx).Error(0) }
func (m *mockStore) Migrate(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockStore) Close() error                      { return m.Called().Error(0) }

func (m *mockStore) bulk(args mock.Arguments) (*db.BulkResult, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.BulkResult), args.Error(1)
}

// --- helpers ---

var testDay = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

// testRates prices every test model like a mid-tier model.
func testRates() cost.Rates {
	rates := cost.DefaultRates()
	for _, m := range []string{"triage-model", "assess-model", "cluster-model", "synthesis-model", "opportunity-model", "judge-model"} {
		rates.Anthropic[m] = cost.ModelRate{Input: 3, Output: 15}
	}
	return rates
}

func testRunContext() *RunContext {
	return NewRunContext(testDay, zap.NewNop(), testRates())
}

func testAnthropicConfig() config.AnthropicConfig {
	return config.AnthropicConfig{
		TriageModel:      "triage-model",
		AssessModel:      "assess-model",
		ClusterModel:     "cluster-model",
		SynthesisModel:   "synthesis-model",
		OpportunityModel: "opportunity-model",
		JudgeModel:       "judge-model",
	}
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		AssessConcurrency:    2,
		SynthesisConcurrency: 2,
		TriageBatchSize:      10,
		ClusterBatchSize:     40,
		ClusterTokenBudget:   12000,
		MinEventRelevance:    50,
		RAGTopK:              3,
		RAGThreshold:         0.65,
	}
}

// testInvoker retries transient errors without real backoff.
func testInvoker(client anthropic.Client) *llm.Invoker {
	return llm.NewInvoker(client, llm.WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}))
}

// triageItemIDs extracts the "id: N" lines of a triage prompt.
func triageItemIDs(user string) []string {
	var ids []string
	for _, line := range strings.Split(user, "\n") {
		if id, ok := strings.CutPrefix(line, "id: "); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
