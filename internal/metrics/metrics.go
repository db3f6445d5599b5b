// Package metrics exposes Prometheus instrumentation for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wealth_intel"

// Registry holds every collector in this package. It is private to the
// process so tests and the HTTP handler see only wealth-intel series.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Labels: outcome (success, failure)
	sourceScrapes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scrape",
		Name:      "sources_total",
		Help:      "Source scrape attempts by outcome",
	}, []string{"outcome"})

	headlinesScraped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scrape",
		Name:      "headlines_total",
		Help:      "Unseen headlines scraped",
	})

	// Labels: bucket (private, public, corporate)
	triageBuckets = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "triage",
		Name:      "headlines_total",
		Help:      "Triaged headlines by bucket",
	}, []string{"bucket"})

	// Labels: stage, outcome (success, error, fallback)
	llmCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Model calls by pipeline stage and outcome",
	}, []string{"stage", "outcome"})

	// Labels: model
	llmCost = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "cost_usd_total",
		Help:      "Accumulated model spend in USD",
	}, []string{"model"})

	// Labels: kind (article, event, opportunity, watchlist)
	persisted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "rows_upserted_total",
		Help:      "Rows written by kind",
	}, []string{"kind"})

	// Labels: kind
	persistFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "rows_failed_total",
		Help:      "Rows rejected during bulk upsert by kind",
	}, []string{"kind"})

	// Labels: phase
	phaseDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Wall time per pipeline phase",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"phase"})

	runDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Wall time per full pipeline run",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	})

	// SourceHealth is the current source count by state. Labels: state
	// (active, paused, failing). Refreshed by the monitoring checker.
	SourceHealth = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sources",
		Name:      "current",
		Help:      "Sources by current state",
	}, []string{"state"})

	lastRunCost = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "last_run_cost_usd",
		Help:      "Total spend of the most recent run",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordScrape records one source scrape and the headlines it produced.
func RecordScrape(success bool, headlines int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	sourceScrapes.WithLabelValues(outcome).Inc()
	headlinesScraped.Add(float64(headlines))
}

// RecordTriage records the headline count landing in a triage bucket.
func RecordTriage(bucket string, n int) {
	triageBuckets.WithLabelValues(bucket).Add(float64(n))
}

// RecordLLMCall records one model call for a stage.
// outcome is "success", "error", or "fallback".
func RecordLLMCall(stage, outcome string) {
	llmCalls.WithLabelValues(stage, outcome).Inc()
}

// RecordLLMCost adds spend for a model.
func RecordLLMCost(model string, usd float64) {
	if usd <= 0 {
		return
	}
	llmCost.WithLabelValues(model).Add(usd)
}

// RecordPersisted records the outcome of a bulk upsert.
func RecordPersisted(kind string, upserted, failed int) {
	persisted.WithLabelValues(kind).Add(float64(upserted))
	persistFailures.WithLabelValues(kind).Add(float64(failed))
}

// ObservePhase records how long a pipeline phase took.
func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRun records a finished run's duration and total spend.
func RecordRun(d time.Duration, costUSD float64) {
	runDuration.Observe(d.Seconds())
	lastRunCost.Set(costUSD)
}

// SetSourceHealth publishes the current source counts.
func SetSourceHealth(active, paused, failing int) {
	SourceHealth.WithLabelValues("active").Set(float64(active))
	SourceHealth.WithLabelValues("paused").Set(float64(paused))
	SourceHealth.WithLabelValues("failing").Set(float64(failing))
}
