package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
	"github.com/sells-group/wealth-intel/internal/metrics"
)

const defaultCheckInterval = 15 * time.Minute

// Checker periodically snapshots run verdicts and source health, publishes
// the source gauges, and fires webhook alerts when thresholds are breached.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	log       *zap.Logger
}

// NewChecker creates a background alert checker. A nil logger is replaced
// with a no-op logger.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		log:       log.With(zap.String("component", "monitoring")),
	}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			c.log.Info("alert checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs a single collect/evaluate/send cycle and returns the number of
// alerts that fired.
func (c *Checker) Check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("collect health snapshot", zap.Error(err))
		return 0
	}
	metrics.SetSourceHealth(snap.SourcesActive, snap.SourcesPaused, snap.SourcesFailing)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("no alerts",
			zap.Int("runs", snap.RunsTotal),
			zap.Int("sources_failing", snap.SourcesFailing),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Warn("alerts triggered",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
		zap.Float64("source_fail_rate", snap.SourceFailRate),
		zap.Float64("poor_rate", snap.PoorRate),
	)
	return len(alerts)
}
