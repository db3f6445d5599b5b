package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/wealth-intel/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Weaviate   WeaviateConfig   `yaml:"weaviate" mapstructure:"weaviate"`
	EmbedCache EmbedCacheConfig `yaml:"embed_cache" mapstructure:"embed_cache"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings. Each pipeline stage has its
// own model so cheap stages can run on the small model.
type AnthropicConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	TriageModel      string `yaml:"triage_model" mapstructure:"triage_model"`
	AssessModel      string `yaml:"assess_model" mapstructure:"assess_model"`
	ClusterModel     string `yaml:"cluster_model" mapstructure:"cluster_model"`
	SynthesisModel   string `yaml:"synthesis_model" mapstructure:"synthesis_model"`
	OpportunityModel string `yaml:"opportunity_model" mapstructure:"opportunity_model"`
	JudgeModel       string `yaml:"judge_model" mapstructure:"judge_model"`
	MaxTokens        int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds embedding API settings.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// WeaviateConfig holds vector index settings.
type WeaviateConfig struct {
	Host   string `yaml:"host" mapstructure:"host"`
	Scheme string `yaml:"scheme" mapstructure:"scheme"`
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Class  string `yaml:"class" mapstructure:"class"`
}

// EmbedCacheConfig configures the on-disk embedding cache.
type EmbedCacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
}

// ScrapeConfig configures source scraping.
type ScrapeConfig struct {
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	FetchContent bool    `yaml:"fetch_content" mapstructure:"fetch_content"`
	HostRate     float64 `yaml:"host_rate" mapstructure:"host_rate"`
	PruneMinRuns int     `yaml:"prune_min_runs" mapstructure:"prune_min_runs"`
}

// PipelineConfig configures the intelligence stages.
type PipelineConfig struct {
	AssessConcurrency     int     `yaml:"assess_concurrency" mapstructure:"assess_concurrency"`
	SynthesisConcurrency  int     `yaml:"synthesis_concurrency" mapstructure:"synthesis_concurrency"`
	TriageBatchSize       int     `yaml:"triage_batch_size" mapstructure:"triage_batch_size"`
	ClusterBatchSize      int     `yaml:"cluster_batch_size" mapstructure:"cluster_batch_size"`
	ClusterTokenBudget    int     `yaml:"cluster_token_budget" mapstructure:"cluster_token_budget"`
	MinEventRelevance     int     `yaml:"min_event_relevance" mapstructure:"min_event_relevance"`
	RAGTopK               int     `yaml:"rag_top_k" mapstructure:"rag_top_k"`
	RAGThreshold          float64 `yaml:"rag_threshold" mapstructure:"rag_threshold"`
	RetryAttempts         int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialBackoffMs int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	CircuitThreshold      int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs      int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	LLMRequestsPerMinute  int     `yaml:"llm_rpm" mapstructure:"llm_rpm"`
	ExamplesFile          string  `yaml:"examples_file" mapstructure:"examples_file"`
	SkipJudge             bool    `yaml:"skip_judge" mapstructure:"skip_judge"`
}

// PricingConfig holds per-provider pricing rates. Entries override the
// built-in defaults model by model.
type PricingConfig struct {
	Anthropic map[string]cost.ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Embedding map[string]cost.EmbedRate `yaml:"embedding" mapstructure:"embedding"`
}

// Rates merges configured pricing over cost.DefaultRates.
func (p PricingConfig) Rates() cost.Rates {
	rates := cost.DefaultRates()
	for m, r := range p.Anthropic {
		rates.Anthropic[m] = r
	}
	for m, r := range p.Embedding {
		rates.Embedding[m] = r
	}
	return rates
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	SourceFailureRate   float64 `yaml:"source_failure_rate" mapstructure:"source_failure_rate"`
	EnrichmentErrorRate float64 `yaml:"enrichment_error_rate" mapstructure:"enrichment_error_rate"`
	PoorRatingRate      float64 `yaml:"poor_rating_rate" mapstructure:"poor_rating_rate"`
	CostThresholdUSD    float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
}

// LogConfig configures logging. Format is json, console, or auto.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (if present) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path and environment. An empty path
// falls back to an optional ./config.yaml; an explicit path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("WEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets default to empty so AutomaticEnv can bind them.
	for _, key := range []string{
		"store.database_url", "anthropic.key", "openai.key", "openai.base_url",
		"weaviate.api_key", "monitoring.webhook_url", "pipeline.examples_file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.triage_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.assess_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.cluster_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.synthesis_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opportunity_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.judge_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("weaviate.host", "localhost:8081")
	v.SetDefault("weaviate.scheme", "http")
	v.SetDefault("weaviate.class", "WealthDocument")
	v.SetDefault("embed_cache.enabled", true)
	v.SetDefault("embed_cache.dir", ".cache/embeddings")
	v.SetDefault("scrape.concurrency", 3)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (compatible; WealthIntelBot/1.0)")
	v.SetDefault("scrape.fetch_content", true)
	v.SetDefault("scrape.host_rate", 2.0)
	v.SetDefault("scrape.prune_min_runs", 10)
	v.SetDefault("pipeline.assess_concurrency", 4)
	v.SetDefault("pipeline.synthesis_concurrency", 4)
	v.SetDefault("pipeline.triage_batch_size", 25)
	v.SetDefault("pipeline.cluster_batch_size", 40)
	v.SetDefault("pipeline.cluster_token_budget", 12000)
	v.SetDefault("pipeline.min_event_relevance", 50)
	v.SetDefault("pipeline.rag_top_k", 3)
	v.SetDefault("pipeline.rag_threshold", 0.65)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_initial_backoff_ms", 500)
	v.SetDefault("pipeline.retry_max_backoff_ms", 30000)
	v.SetDefault("pipeline.circuit_threshold", 5)
	v.SetDefault("pipeline.circuit_reset_secs", 60)
	v.SetDefault("pipeline.llm_rpm", 50)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.source_failure_rate", 0.5)
	v.SetDefault("monitoring.enrichment_error_rate", 0.2)
	v.SetDefault("monitoring.poor_rating_rate", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by the given command mode
// ("run", "serve", or "store").
func (c *Config) Validate(mode string) error {
	var errs []error
	required := func(ok bool, key string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	switch c.Store.Driver {
	case "postgres":
		required(c.Store.DatabaseURL != "", "store.database_url")
	case "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	switch mode {
	case "store":
	case "run", "serve":
		required(c.Anthropic.Key != "", "anthropic.key")
		required(c.OpenAI.Key != "", "openai.key")
		required(c.Weaviate.Host != "", "weaviate.host")
		if c.Scrape.Concurrency < 1 || c.Scrape.Concurrency > 50 {
			errs = append(errs, errors.New("scrape.concurrency must be between 1 and 50"))
		}
		if c.Pipeline.RAGThreshold < 0 || c.Pipeline.RAGThreshold > 1 {
			errs = append(errs, errors.New("pipeline.rag_threshold must be between 0 and 1"))
		}
		if c.Pipeline.MinEventRelevance < 0 || c.Pipeline.MinEventRelevance > 100 {
			errs = append(errs, errors.New("pipeline.min_event_relevance must be between 0 and 100"))
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, errors.New("server.port must be > 0"))
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "config: invalid")
	}
	return nil
}

// InitLogger initializes the global zap logger and returns it.
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if useConsole(cfg.Format) {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}

func useConsole(format string) bool {
	switch format {
	case "console":
		return true
	case "auto":
		return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	default:
		return false
	}
}
