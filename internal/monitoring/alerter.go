package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/exchange-feed/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
	AlertReviewBacklog   AlertType = "review_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Key       string         `json:"key"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached. An alert
// with the same key is not re-sent within the cooldown.
type Alerter struct {
	cfg      config.MonitoringConfig
	client   *http.Client
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		cooldown: time.Duration(cfg.AlertCooldownMins) * time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		lastSent: make(map[string]time.Time),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now()

	if a.cfg.DeadLetterThreshold > 0 {
		for _, q := range snap.Queues {
			if q.Dead < a.cfg.DeadLetterThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertDeadLetterDepth,
				Key:      string(AlertDeadLetterDepth) + ":" + q.Queue,
				Severity: "high",
				Message: fmt.Sprintf(
					"%d jobs dead-lettered on %s (threshold %d)",
					q.Dead, q.Queue, a.cfg.DeadLetterThreshold,
				),
				Details: map[string]any{
					"queue":     q.Queue,
					"dead":      q.Dead,
					"threshold": a.cfg.DeadLetterThreshold,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.ReviewBacklogThreshold > 0 && snap.ReviewUnclaimed >= a.cfg.ReviewBacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertReviewBacklog,
			Key:      string(AlertReviewBacklog),
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d review tasks waiting for a reviewer (threshold %d)",
				snap.ReviewUnclaimed, a.cfg.ReviewBacklogThreshold,
			),
			Details: map[string]any{
				"unclaimed": snap.ReviewUnclaimed,
				"claimed":   snap.ReviewClaimed,
				"threshold": a.cfg.ReviewBacklogThreshold,
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
		if a.cooling(alert.Key) {
			zap.L().Debug("monitoring: alert suppressed by cooldown", zap.String("key", alert.Key))
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		a.markSent(alert.Key)
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) cooling(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[key]
	return ok && a.now().Sub(last) < a.cooldown
}

func (a *Alerter) markSent(key string) {
	a.mu.Lock()
	a.lastSent[key] = a.now()
	a.mu.Unlock()
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
