package main

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/wealth-intel/internal/fetcher"
	"github.com/sells-group/wealth-intel/internal/llm"
	"github.com/sells-group/wealth-intel/internal/pipeline"
	"github.com/sells-group/wealth-intel/internal/resilience"
	"github.com/sells-group/wealth-intel/internal/store"
	anthropicpkg "github.com/sells-group/wealth-intel/pkg/anthropic"
	"github.com/sells-group/wealth-intel/pkg/embedding"
	"github.com/sells-group/wealth-intel/pkg/vectorstore"
)

// pipelineEnv holds the initialized clients and the pipeline needed by the
// run and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	cache    *badger.DB // may be nil
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.cache != nil {
		_ = pe.cache.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, the model, embedding and vector clients,
// and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	log := zap.L()
	retry := resilience.NewRetryConfig(
		cfg.Pipeline.RetryAttempts,
		cfg.Pipeline.RetryInitialBackoffMs,
		cfg.Pipeline.RetryMaxBackoffMs,
	)
	invoker := llm.NewInvoker(anthropicpkg.NewClient(cfg.Anthropic.Key),
		llm.WithRateLimit(cfg.Pipeline.LLMRequestsPerMinute),
		llm.WithRetry(retry),
		llm.WithBreakers(resilience.NewServiceBreakers(resilience.NewCircuitConfig(
			cfg.Pipeline.CircuitThreshold,
			cfg.Pipeline.CircuitResetSecs,
		))),
		llm.WithMaxTokens(cfg.Anthropic.MaxTokens),
		llm.WithLogger(log),
	)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Scrape.UserAgent,
		Timeout:   time.Duration(cfg.Scrape.TimeoutSecs) * time.Second,
		Retry:     retry,
		HostRate:  rate.Limit(cfg.Scrape.HostRate),
		Logger:    log,
	})

	var emb embedding.Embedder = embedding.NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.BaseURL)
	if cfg.EmbedCache.Enabled {
		db, err := embedding.OpenCache(cfg.EmbedCache.Dir)
		if err != nil {
			log.Warn("embedding cache unavailable, embedding uncached", zap.Error(err))
		} else {
			env.cache = db
			emb = embedding.NewCached(emb, db, log)
		}
	}

	// Historical context is optional: an unreachable index disables it.
	var idx vectorstore.Index
	wv, err := vectorstore.NewWeaviate(vectorstore.Config{
		Host:   cfg.Weaviate.Host,
		Scheme: cfg.Weaviate.Scheme,
		APIKey: cfg.Weaviate.APIKey,
		Class:  cfg.Weaviate.Class,
	}, log)
	if err == nil {
		err = wv.EnsureSchema(ctx)
	}
	if err != nil {
		log.Warn("vector index unavailable, historical context disabled", zap.Error(err))
		emb = nil
	} else {
		idx = wv
	}

	p, err := pipeline.New(cfg, pipeline.Deps{
		Store:    st,
		Fetcher:  f,
		Invoker:  invoker,
		Embedder: emb,
		Index:    idx,
	}, pipeline.WithLogger(log))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p
	return env, nil
}
