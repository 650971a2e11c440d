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

	"github.com/reliefops/relief-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRequestBacklog  AlertType = "request_backlog"
	AlertStaleModelRun   AlertType = "stale_model_run"
	AlertModelRunFailed  AlertType = "model_run_failed"
	AlertFeedDown        AlertType = "demand_feed_down"
	AlertStaleDemandData AlertType = "stale_demand_data"
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

	// Check request backlog.
	if a.cfg.BacklogThreshold > 0 && snap.PendingRequests > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRequestBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d pending rescue requests exceed backlog threshold %d",
				snap.PendingRequests, a.cfg.BacklogThreshold,
			),
			Details: map[string]any{
				"pending":            snap.PendingRequests,
				"threshold":          a.cfg.BacklogThreshold,
				"active_suggestions": snap.ActiveSuggestions,
			},
			Timestamp: now,
		})
	}

	// Check predictive cycle freshness.
	maxAge := float64(a.cfg.ModelRunMaxAgeHours)
	if maxAge > 0 && snap.LastModelRunAgeHours != nil && *snap.LastModelRunAgeHours > maxAge {
		alerts = append(alerts, Alert{
			Type:     AlertStaleModelRun,
			Severity: "medium",
			Message: fmt.Sprintf(
				"last predictive run completed %.1fh ago, threshold %.0fh",
				*snap.LastModelRunAgeHours, maxAge,
			),
			Details: map[string]any{
				"age_hours": *snap.LastModelRunAgeHours,
				"threshold": maxAge,
			},
			Timestamp: now,
		})
	}
	if snap.LastModelRunError != "" {
		alerts = append(alerts, Alert{
			Type:     AlertModelRunFailed,
			Severity: "high",
			Message:  "last predictive run failed: " + snap.LastModelRunError,
			Details: map[string]any{
				"error": snap.LastModelRunError,
			},
			Timestamp: now,
		})
	}

	// Check demand data freshness. Predictions fall back to the static
	// heuristic when the regional snapshots go stale.
	snapMaxAge := float64(a.cfg.SnapshotMaxAgeHours)
	if snapMaxAge > 0 && snap.DemandSnapshotAgeHours != nil && *snap.DemandSnapshotAgeHours > snapMaxAge {
		alerts = append(alerts, Alert{
			Type:     AlertStaleDemandData,
			Severity: "medium",
			Message: fmt.Sprintf(
				"freshest demand snapshot collected %.1fh ago, threshold %.0fh",
				*snap.DemandSnapshotAgeHours, snapMaxAge,
			),
			Details: map[string]any{
				"age_hours": *snap.DemandSnapshotAgeHours,
				"threshold": snapMaxAge,
			},
			Timestamp: now,
		})
	}

	// Check the demand feed breaker.
	if snap.FeedCircuitState == "open" {
		alerts = append(alerts, Alert{
			Type:     AlertFeedDown,
			Severity: "high",
			Message:  "demand feed circuit is open; predictions run without regional demand data",
			Details: map[string]any{
				"circuit_state": snap.FeedCircuitState,
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

// sendWebhook posts a single alert to the webhook URL.
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
