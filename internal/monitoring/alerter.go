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

	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/replay"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeadLetters  AlertType = "dead_letters"
	AlertRequeueRate  AlertType = "requeue_rate"
	AlertReplayFailed AlertType = "replay_failed"
)

// minHandledForRate is the number of handled deliveries below which the
// requeue rate is too noisy to alert on.
const minHandledForRate = 5

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

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetters >= a.cfg.DeadLetterThreshold {
		severity := "medium"
		if snap.DeadLettersTransient > 0 {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetters,
			Severity: severity,
			Message: fmt.Sprintf(
				"%d message(s) dead-lettered in last %dh (%d transient, %d permanent)",
				snap.DeadLetters, snap.LookbackHours, snap.DeadLettersTransient, snap.DeadLettersPermanent,
			),
			Details: map[string]any{
				"dead_letters": snap.DeadLetters,
				"transient":    snap.DeadLettersTransient,
				"permanent":    snap.DeadLettersPermanent,
				"threshold":    a.cfg.DeadLetterThreshold,
			},
			Timestamp: now,
		})
	}

	if c := snap.Consumer; c != nil && c.Handled >= minHandledForRate &&
		a.cfg.RequeueRateThreshold > 0 && snap.RequeueRate > a.cfg.RequeueRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRequeueRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Consumer requeue rate %.1f%% exceeds threshold %.1f%% (%d requeued / %d handled)",
				snap.RequeueRate*100, a.cfg.RequeueRateThreshold*100, c.Requeued, c.Handled,
			),
			Details: map[string]any{
				"requeue_rate": snap.RequeueRate,
				"threshold":    a.cfg.RequeueRateThreshold,
				"requeued":     c.Requeued,
				"handled":      c.Handled,
			},
			Timestamp: now,
		})
	}

	if r := snap.Replay; r != nil && r.LastTick != nil {
		tick := r.LastTick
		// An advanced tick can still carry a publish error.
		if tick.Outcome == replay.OutcomeFailed || tick.Outcome == replay.OutcomeHeld || tick.Error != "" {
			alerts = append(alerts, Alert{
				Type:     AlertReplayFailed,
				Severity: "high",
				Message:  fmt.Sprintf("Replay tick %s: %s", tick.Outcome, tick.Error),
				Details: map[string]any{
					"outcome": tick.Outcome,
					"cursor":  r.Cursor,
					"state":   r.State,
				},
				Timestamp: now,
			})
		}
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
