package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDegradedClassifier AlertType = "degraded_classifier"
	AlertUnscoredRate       AlertType = "unscored_rate"
	AlertReviewBacklog      AlertType = "review_backlog"
	AlertRetryBacklog       AlertType = "retry_backlog"
	AlertCircuitOpen        AlertType = "circuit_open"
	AlertStoreUnreachable   AlertType = "store_unreachable"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DegradedClassifier builds the alert raised when an event exhausted its
// scoring retries and was routed to review without a confidence.
func DegradedClassifier(eventID string, retries int, lastErr string) Alert {
	return Alert{
		Type:     AlertDegradedClassifier,
		Severity: "high",
		Message: fmt.Sprintf(
			"Event %s could not be scored after %d retries and was queued for review",
			eventID, retries,
		),
		Details: map[string]any{
			"event_id":   eventID,
			"retries":    retries,
			"last_error": lastErr,
		},
		Timestamp: time.Now().UTC(),
	}
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

	if snap.StoreError != "" {
		alerts = append(alerts, Alert{
			Type:      AlertStoreUnreachable,
			Severity:  "critical",
			Message:   "Store is unreachable; ingest, classification and attribution are stalled",
			Details:   map[string]any{"error": snap.StoreError},
			Timestamp: now,
		})
	}

	// Unscored share of recent candidates.
	if snap.CandidatesTotal >= 5 && a.cfg.UnscoredRateThreshold > 0 &&
		snap.UnscoredRate > a.cfg.UnscoredRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertUnscoredRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Unscored rate %.1f%% exceeds threshold %.1f%% (%d unscored / %d candidates in last %dh)",
				snap.UnscoredRate*100, a.cfg.UnscoredRateThreshold*100,
				snap.Unscored, snap.CandidatesTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"unscored_rate": snap.UnscoredRate,
				"threshold":     a.cfg.UnscoredRateThreshold,
				"unscored":      snap.Unscored,
				"candidates":    snap.CandidatesTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxReviewBacklog > 0 && snap.ReviewBacklog > a.cfg.MaxReviewBacklog {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d items waiting for review (threshold %d)",
				snap.ReviewBacklog, a.cfg.MaxReviewBacklog,
			),
			Details: map[string]any{
				"backlog":   snap.ReviewBacklog,
				"threshold": a.cfg.MaxReviewBacklog,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxRetryBacklog > 0 && snap.RetryBacklog > a.cfg.MaxRetryBacklog {
		alerts = append(alerts, Alert{
			Type:     AlertRetryBacklog,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d events waiting for classifier retry (threshold %d)",
				snap.RetryBacklog, a.cfg.MaxRetryBacklog,
			),
			Details: map[string]any{
				"backlog":   snap.RetryBacklog,
				"threshold": a.cfg.MaxRetryBacklog,
			},
			Timestamp: now,
		})
	}

	deps := make([]string, 0, len(snap.Circuits))
	for dep, state := range snap.Circuits {
		if state == resilience.CircuitOpen.String() {
			deps = append(deps, dep)
		}
	}
	sort.Strings(deps)
	for _, dep := range deps {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   circuitMessage(dep),
			Details:   map[string]any{"dependency": dep},
			Timestamp: now,
		})
	}

	return alerts
}

func circuitMessage(dep string) string {
	kind, name, _ := strings.Cut(dep, ":")
	switch kind {
	case "scorer":
		return fmt.Sprintf("Classifier circuit for scorer %q is open; new events are queued for retry", name)
	case "sink":
		return fmt.Sprintf("Lead sink %q circuit is open; alerts to it fail fast until it recovers", name)
	default:
		return fmt.Sprintf("Circuit for %s is open", dep)
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		// Still leave a trace for operators without a webhook.
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
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
