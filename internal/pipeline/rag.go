package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/pkg/embedding"
	"github.com/sells-group/wealth-intel/pkg/vectorstore"
)

// Default retrieval settings.
const (
	DefaultRAGTopK      = 3
	DefaultRAGThreshold = 0.65
)

// HistoricalRAG looks up previously indexed articles and events similar to
// a cluster. Matches are context for synthesis and never merge keys.
type HistoricalRAG struct {
	embedder  embedding.Embedder
	index     vectorstore.Index
	topK      int
	threshold float64
}

// NewHistoricalRAG creates a retriever. A nil embedder or index disables
// retrieval and indexing.
func NewHistoricalRAG(emb embedding.Embedder, idx vectorstore.Index, topK int, threshold float64) *HistoricalRAG {
	if topK <= 0 {
		topK = DefaultRAGTopK
	}
	if threshold <= 0 {
		threshold = DefaultRAGThreshold
	}
	return &HistoricalRAG{embedder: emb, index: idx, topK: topK, threshold: threshold}
}

func (r *HistoricalRAG) enabled() bool {
	return r != nil && r.embedder != nil && r.index != nil
}

// Context returns the historical matches for cluster. Any failure degrades
// to no context.
func (r *HistoricalRAG) Context(ctx context.Context, rc *RunContext, cluster model.ArticleCluster) []model.HistoricalMatch {
	if !r.enabled() || len(cluster.Articles) == 0 {
		return nil
	}

	headlines := make([]string, len(cluster.Articles))
	for i, a := range cluster.Articles {
		headlines[i] = a.Headline
	}
	vecs, err := r.embed(ctx, rc, []string{strings.Join(headlines, "\n")})
	if err != nil {
		rc.Log.Warn("rag: embed failed, continuing without context",
			zap.String("event_key", cluster.EventKey), zap.Error(err))
		return nil
	}

	matches, err := r.index.Query(ctx, vecs[0], r.topK, vectorstore.Filter{})
	if err != nil {
		rc.Log.Warn("rag: query failed, continuing without context",
			zap.String("event_key", cluster.EventKey), zap.Error(err))
		return nil
	}

	exclude := make(map[string]bool, len(cluster.Articles))
	for _, id := range cluster.IDs() {
		exclude[id] = true
	}
	return FilterMatches(matches, r.threshold, exclude, cluster.EventKey)
}

// FilterMatches keeps matches at or above threshold, skipping the cluster's
// own articles and any earlier copy of the same event key.
func FilterMatches(matches []vectorstore.Match, threshold float64, exclude map[string]bool, eventKey string) []model.HistoricalMatch {
	var out []model.HistoricalMatch
	for _, m := range matches {
		if m.Similarity < threshold {
			continue
		}
		if m.Kind == vectorstore.KindArticle && exclude[m.SourceID] {
			continue
		}
		if eventKey != "" && m.EventKey == eventKey {
			continue
		}
		out = append(out, model.HistoricalMatch{
			ID:         m.SourceID,
			Kind:       string(m.Kind),
			Headline:   m.Headline,
			Date:       m.Date,
			EventKey:   m.EventKey,
			Similarity: m.Similarity,
		})
	}
	return out
}

// IndexArticles appends vectors for assessed articles and marks them
// Embedded. It returns the number indexed.
func (r *HistoricalRAG) IndexArticles(ctx context.Context, rc *RunContext, articles []model.Article) (int, error) {
	if !r.enabled() {
		return 0, nil
	}
	var idx []int
	var texts []string
	for i, a := range articles {
		if !a.Assessed() {
			continue
		}
		idx = append(idx, i)
		texts = append(texts, a.Headline+"\n"+a.OneLineSummary)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	vecs, err := r.embed(ctx, rc, texts)
	if err != nil {
		return 0, eris.Wrap(err, "rag: embed articles")
	}
	recs := make([]vectorstore.Record, len(idx))
	for j, i := range idx {
		recs[j] = vectorstore.Record{
			SourceID: articles[i].ID,
			Kind:     vectorstore.KindArticle,
			Headline: articles[i].Headline,
			Date:     rc.DateKey(),
			Vector:   vecs[j],
		}
	}
	if err := r.index.Upsert(ctx, recs); err != nil {
		return 0, eris.Wrap(err, "rag: index articles")
	}
	for _, i := range idx {
		articles[i].Embedded = true
	}
	return len(recs), nil
}

// IndexEvents appends vectors for synthesized events.
func (r *HistoricalRAG) IndexEvents(ctx context.Context, rc *RunContext, events []model.SynthesizedEvent) error {
	if !r.enabled() || len(events) == 0 {
		return nil
	}
	texts := make([]string, len(events))
	for i, e := range events {
		texts[i] = e.Headline + "\n" + e.Summary
	}
	vecs, err := r.embed(ctx, rc, texts)
	if err != nil {
		return eris.Wrap(err, "rag: embed events")
	}
	recs := make([]vectorstore.Record, len(events))
	for i, e := range events {
		recs[i] = vectorstore.Record{
			SourceID: e.EventKey,
			Kind:     vectorstore.KindEvent,
			Headline: e.Headline,
			Date:     e.Date,
			EventKey: e.EventKey,
			Vector:   vecs[i],
		}
	}
	if err := r.index.Upsert(ctx, recs); err != nil {
		return eris.Wrap(err, "rag: index events")
	}
	return nil
}

func (r *HistoricalRAG) embed(ctx context.Context, rc *RunContext, texts []string) ([][]float32, error) {
	res, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(res.Vectors) != len(texts) {
		return nil, eris.Errorf("rag: got %d vectors for %d texts", len(res.Vectors), len(texts))
	}
	if res.Tokens > 0 {
		rc.Cost.RecordEmbedding(r.embedder.Model(), res.Tokens)
	}
	return res.Vectors, nil
}
