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

	"github.com/sells-group/studyforge/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertDLQDepth       AlertType = "dlq_depth"
	AlertQueueStall     AlertType = "queue_stall"
	AlertCostOverrun    AlertType = "cost_overrun"
)

// minFinishedJobs is the sample below which the failure rate is not judged.
const minFinishedJobs = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds. Alerts
// are always logged and, when a webhook is configured, posted to it.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	log    *zap.Logger
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    zap.L().With(zap.String("component", "monitoring.alerter")),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	finished := snap.JobsSucceeded + snap.JobsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedJobs && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Stage job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100, snap.JobsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate":    snap.JobFailRate,
				"threshold":       a.cfg.FailureRateThreshold,
				"failed":          snap.JobsFailed,
				"finished":        finished,
				"failed_by_stage": snap.FailedByStage,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQThreshold > 0 && snap.DLQDepth >= a.cfg.DLQThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDLQDepth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d dead-lettered stage jobs await an operator (threshold %d)",
				snap.DLQDepth, a.cfg.DLQThreshold,
			),
			Details: map[string]any{
				"dlq_depth":       snap.DLQDepth,
				"failed_pages":    snap.FailedPages,
				"failed_blocks":   snap.FailedBlocks,
				"failed_contents": snap.FailedContents,
			},
			Timestamp: now,
		})
	}

	stall := time.Duration(a.cfg.QueueStallMinutes) * time.Minute
	if stall > 0 && snap.JobsQueued > 0 && snap.OldestQueuedAge > stall {
		alerts = append(alerts, Alert{
			Type:     AlertQueueStall,
			Severity: "high",
			Message: fmt.Sprintf(
				"Oldest runnable job has waited %s (threshold %s, %d queued)",
				snap.OldestQueuedAge.Round(time.Second), stall, snap.JobsQueued,
			),
			Details: map[string]any{
				"oldest_queued_age_secs": snap.OldestQueuedAge.Seconds(),
				"queued":                 snap.JobsQueued,
				"running":                snap.JobsRunning,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.AICostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"AI cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.AICostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":       snap.AICostUSD,
				"threshold_usd":  a.cfg.CostThresholdUSD,
				"calls":          snap.AICalls,
				"unpriced_calls": snap.UnpricedCalls,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts logs every alert and delivers it to the configured webhook.
// Returns the number of alerts successfully posted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		a.log.Warn("pipeline alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
			zap.Any("details", alert.Details),
		)
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			a.log.Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
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
