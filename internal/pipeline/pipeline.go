package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/cost"
	"github.com/sells-group/wealth-intel/internal/db"
	"github.com/sells-group/wealth-intel/internal/fetcher"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/metrics"
	"github.com/sells-group/wealth-intel/internal/model"
	"github.com/sells-group/wealth-intel/internal/store"
	"github.com/sells-group/wealth-intel/pkg/embedding"
	"github.com/sells-group/wealth-intel/pkg/vectorstore"
)

// Deps are the collaborators a Pipeline calls into. Embedder and Index may
// be nil, which disables historical context and vector indexing.
type Deps struct {
	Store    store.Store
	Fetcher  fetcher.Fetcher
	Invoker  *llm.Invoker
	Embedder embedding.Embedder
	Index    vectorstore.Index
}

// Pipeline runs the intelligence stages end to end. A Pipeline holds no
// per-run state and can run repeatedly; each Run gets its own RunContext.
type Pipeline struct {
	cfg      *config.Config
	deps     Deps
	rates    cost.Rates
	examples []Example
	rag      *HistoricalRAG
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the base logger for runs.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithExamples sets the few-shot examples for deep assessment.
func WithExamples(ex []Example) Option {
	return func(p *Pipeline) { p.examples = ex }
}

// New creates a Pipeline.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, eris.New("pipeline: nil config")
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Invoker == nil {
		return nil, eris.New("pipeline: store, fetcher and invoker are required")
	}

	p := &Pipeline{
		cfg:   cfg,
		deps:  deps,
		rates: cfg.Pricing.Rates(),
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.examples == nil {
		ex, err := LoadExamples(cfg.Pipeline.ExamplesFile)
		if err != nil {
			return nil, err
		}
		p.examples = ex
	}
	p.rag = NewHistoricalRAG(deps.Embedder, deps.Index, cfg.Pipeline.RAGTopK, cfg.Pipeline.RAGThreshold)
	return p, nil
}

// Run executes one pipeline run and returns its verdict. Only losing the
// persistence layer (listing sources, checking links, writing articles or
// events) fails the run; every other failure reduces yield.
func (p *Pipeline) Run(ctx context.Context) (*model.RunVerdict, error) {
	rc := NewRunContext(p.now(), p.log, p.rates)
	rc.Log.Info("pipeline: starting run")
	st := p.deps.Store

	sources, err := st.ListSources(ctx, store.SourceFilter{Status: []model.SourceStatus{model.SourceStatusActive}})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list sources")
	}
	entities, err := st.ListWatchlist(ctx)
	if err != nil {
		rc.Log.Warn("pipeline: list watchlist failed, matching disabled", zap.Error(err))
	}
	matcher := NewWatchlistMatcher(entities)

	// Scrape and commit source health in one bulk write.
	tracker := NewHealthTracker(rc.StartedAt)
	var scraped *ScrapeResult
	err = p.phase("scrape", func() error {
		var scrapeErr error
		scraped, scrapeErr = ScrapePhase(ctx, rc, sources, p.deps.Fetcher, st, tracker, p.cfg.Scrape)
		return scrapeErr
	})
	if err != nil {
		return nil, err
	}
	if err := tracker.Commit(ctx, st, p.cfg.Scrape.PruneMinRuns); err != nil {
		p.persistenceError(rc, err)
	}
	tracker.LogSummary(rc.Log)

	// Triage, then persist every candidate with its bucket.
	var triaged *TriageResult
	_ = p.phase("triage", func() error {
		triaged = TriagePhase(ctx, rc, p.deps.Invoker, scraped.Candidates, p.cfg.Anthropic, p.cfg.Pipeline)
		return nil
	})
	// Every bucket is matched against the watchlist; assessment text is
	// matched again below.
	hits := matcher.Apply(triaged.All)
	persisted, err := p.persistArticles(ctx, rc, triaged.All)
	if err != nil {
		return nil, err
	}
	var private []model.Article
	for _, a := range persisted {
		if a.RelevanceHeadline == model.TriagePrivate {
			private = append(private, a)
		}
	}

	var assessed []model.Article
	_ = p.phase("assess", func() error {
		assessed = AssessPhase(ctx, rc, p.deps.Invoker, private, p.examples, p.cfg.Anthropic, p.cfg.Pipeline)
		return nil
	})

	var relevant []model.Article
	for _, a := range assessed {
		if a.Assessed() && a.RelevanceArticle >= p.cfg.Pipeline.MinEventRelevance {
			relevant = append(relevant, a)
			tracker.AddRelevant(a.SourceID, 1)
		}
	}
	if err := tracker.CommitRelevant(ctx, st); err != nil {
		p.persistenceError(rc, err)
	}

	var clusters []model.ArticleCluster
	_ = p.phase("cluster", func() error {
		clusters = ClusterPhase(ctx, rc, p.deps.Invoker, relevant, p.cfg.Anthropic, p.cfg.Pipeline)
		return nil
	})

	// Watchlist matching runs alongside historical context retrieval.
	history := make(map[string][]model.HistoricalMatch, len(clusters))
	_ = p.phase("watchlist_rag", func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			hits += matcher.Apply(assessed)
			return nil
		})
		g.Go(func() error {
			for _, c := range clusters {
				if h := p.rag.Context(gctx, rc, c); len(h) > 0 {
					history[c.EventKey] = h
				}
			}
			return nil
		})
		return g.Wait()
	})
	rc.Update(func(s *model.RunStats) { s.WatchlistHits += hits })

	if n, err := p.rag.IndexArticles(ctx, rc, assessed); err != nil {
		rc.Log.Warn("pipeline: index articles failed", zap.Error(err))
	} else if n > 0 {
		rc.Log.Debug("pipeline: indexed articles", zap.Int("count", n))
	}
	if _, err := p.persistArticles(ctx, rc, assessed); err != nil {
		return nil, err
	}

	// Synthesize and upsert events by key.
	var drafts []model.SynthesizedEvent
	_ = p.phase("synthesize", func() error {
		drafts = SynthesizePhase(ctx, rc, p.deps.Invoker, clusters, history, p.cfg.Anthropic, p.cfg.Pipeline)
		return nil
	})
	events, err := p.persistEvents(ctx, rc, drafts)
	if err != nil {
		return nil, err
	}
	if err := p.rag.IndexEvents(ctx, rc, events); err != nil {
		rc.Log.Warn("pipeline: index events failed", zap.Error(err))
	}

	var opps []model.Opportunity
	_ = p.phase("opportunity", func() error {
		opps = OpportunityPhase(ctx, rc, p.deps.Invoker, events, p.cfg.Anthropic, p.cfg.Pipeline).Opportunities
		return nil
	})
	opps = p.persistOpportunities(ctx, rc, opps)

	suggestions := SuggestWatchlistEntities(events, opps, matcher)
	for _, s := range suggestions {
		rc.Log.Info("pipeline: watchlist suggestion",
			zap.String("name", s.Name),
			zap.String("type", string(s.Type)),
			zap.String("event_key", s.EventKey),
			zap.String("reason", s.Reason),
		)
	}
	rc.Update(func(s *model.RunStats) { s.WatchlistSuggestions += len(suggestions) })

	judgement := model.Judgement{Narrative: "Judge pass skipped."}
	if !p.cfg.Pipeline.SkipJudge {
		_ = p.phase("judge", func() error {
			judgement = JudgeRun(ctx, rc, p.deps.Invoker, events, opps, p.cfg.Anthropic)
			return nil
		})
	}

	verdict := BuildVerdict(rc, judgement, p.now())
	if err := RecordVerdict(ctx, rc, st, verdict); err != nil {
		return verdict, eris.Wrap(err, "pipeline: record verdict")
	}
	return verdict, nil
}

// phase times fn under name.
func (p *Pipeline) phase(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ObservePhase(name, time.Since(start))
	return err
}

func (p *Pipeline) persistenceError(rc *RunContext, err error) {
	rc.Log.Error("pipeline: persistence error", zap.Error(err))
	rc.Update(func(s *model.RunStats) { s.PersistenceErrors++ })
}

func (p *Pipeline) recordBulk(rc *RunContext, kind string, res *db.BulkResult) {
	metrics.RecordPersisted(kind, res.Upserted(), len(res.Failed))
	if len(res.Failed) == 0 {
		return
	}
	rc.Log.Warn("pipeline: rows rejected",
		zap.String("kind", kind),
		zap.Int("failed", len(res.Failed)),
		zap.Bool("fallback", res.Fallback),
		zap.Error(res.Err()),
	)
	rc.Update(func(s *model.RunStats) { s.PersistenceErrors += len(res.Failed) })
}

// persistArticles upserts by link and returns the written articles carrying
// their persisted IDs. Rejected rows are left out.
func (p *Pipeline) persistArticles(ctx context.Context, rc *RunContext, articles []model.Article) ([]model.Article, error) {
	if len(articles) == 0 {
		return nil, nil
	}
	res, err := p.deps.Store.UpsertArticles(ctx, articles)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: upsert articles")
	}
	p.recordBulk(rc, "article", res)

	out := make([]model.Article, 0, len(articles))
	for _, a := range articles {
		id, ok := res.IDs[a.Link]
		if !ok {
			continue
		}
		a.ID = id
		out = append(out, a)
	}
	return out, nil
}

// persistEvents upserts by event key. Re-runs on the same day update the
// existing event and reuse its ID.
func (p *Pipeline) persistEvents(ctx context.Context, rc *RunContext, events []model.SynthesizedEvent) ([]model.SynthesizedEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	res, err := p.deps.Store.UpsertEvents(ctx, events)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: upsert events")
	}
	p.recordBulk(rc, "event", res)

	out := make([]model.SynthesizedEvent, 0, len(events))
	for _, ev := range events {
		id, ok := res.IDs[ev.EventKey]
		if !ok {
			continue
		}
		ev.ID = id
		out = append(out, ev)
	}
	rc.Update(func(s *model.RunStats) { s.EventsSynthesized += len(out) })
	return out, nil
}

// persistOpportunities upserts by opportunity key and links the written
// opportunities back to their events. Failures here are not fatal.
func (p *Pipeline) persistOpportunities(ctx context.Context, rc *RunContext, opps []model.Opportunity) []model.Opportunity {
	if len(opps) == 0 {
		return nil
	}
	res, err := p.deps.Store.UpsertOpportunities(ctx, opps)
	if res != nil {
		p.recordBulk(rc, "opportunity", res)
	}
	if err != nil {
		p.persistenceError(rc, err)
		return nil
	}

	out := make([]model.Opportunity, 0, len(opps))
	byEvent := make(map[string][]string)
	var eventOrder []string
	for _, o := range opps {
		id, ok := res.IDs[o.OpportunityKey]
		if !ok {
			continue
		}
		o.ID = id
		out = append(out, o)
		if _, seen := byEvent[o.SourceEventID]; !seen {
			eventOrder = append(eventOrder, o.SourceEventID)
		}
		byEvent[o.SourceEventID] = append(byEvent[o.SourceEventID], id)
	}
	for _, eventID := range eventOrder {
		if err := p.deps.Store.SetEventOpportunities(ctx, eventID, byEvent[eventID]); err != nil {
			p.persistenceError(rc, eris.Wrapf(err, "pipeline: link opportunities to event %s", eventID))
		}
	}
	rc.Update(func(s *model.RunStats) { s.OpportunitiesCreated += len(out) })
	return out
}
