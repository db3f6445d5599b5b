package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wealth-intel/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceFailureRate   AlertType = "source_failure_rate"
	AlertEnrichmentErrorRate AlertType = "enrichment_error_rate"
	AlertQualityDrop         AlertType = "quality_drop"
	AlertCostOverrun         AlertType = "cost_overrun"
	AlertNoRecentRuns        AlertType = "no_recent_runs"
)

// Minimum sample sizes before a rate alert fires.
const (
	minActiveSources = 5
	minAttempted     = 10
	minRatedItems    = 10
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.RunsTotal == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertNoRecentRuns,
			Severity:  "medium",
			Message:   fmt.Sprintf("No pipeline runs recorded in last %dh", snap.LookbackHours),
			Details:   map[string]any{"last_run_at": snap.LastRunAt},
			Timestamp: now,
		})
	}

	if a.cfg.SourceFailureRate > 0 && snap.SourcesActive >= minActiveSources &&
		snap.SourceFailRate > a.cfg.SourceFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertSourceFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"%.1f%% of active sources are failing (%d of %d), threshold %.1f%%",
				snap.SourceFailRate*100, snap.SourcesFailing, snap.SourcesActive,
				a.cfg.SourceFailureRate*100,
			),
			Details: map[string]any{
				"failure_rate": snap.SourceFailRate,
				"threshold":    a.cfg.SourceFailureRate,
				"failing":      snap.SourcesFailing,
				"active":       snap.SourcesActive,
				"paused":       snap.SourcesPaused,
			},
			Timestamp: now,
		})
	}

	attempted := snap.ArticlesAssessed + snap.ArticlesErrored
	if a.cfg.EnrichmentErrorRate > 0 && attempted >= minAttempted &&
		snap.EnrichmentErrRate > a.cfg.EnrichmentErrorRate {
		alerts = append(alerts, Alert{
			Type:     AlertEnrichmentErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Deep assessment error rate %.1f%% exceeds threshold %.1f%% (%d of %d in last %dh)",
				snap.EnrichmentErrRate*100, a.cfg.EnrichmentErrorRate*100,
				snap.ArticlesErrored, attempted, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.EnrichmentErrRate,
				"threshold":  a.cfg.EnrichmentErrorRate,
				"errored":    snap.ArticlesErrored,
				"attempted":  attempted,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PoorRatingRate > 0 && snap.RatedItems >= minRatedItems &&
		snap.PoorRate > a.cfg.PoorRatingRate {
		alerts = append(alerts, Alert{
			Type:     AlertQualityDrop,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of judged items rated Poor or Irrelevant, threshold %.1f%%",
				snap.PoorRate*100, a.cfg.PoorRatingRate*100,
			),
			Details: map[string]any{
				"poor_rate":   snap.PoorRate,
				"threshold":   a.cfg.PoorRatingRate,
				"rated_items": snap.RatedItems,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.RunsCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"API cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.RunsCostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.RunsCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs_total":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
