// Package monitoring periodically snapshots pipeline health and raises
// threshold alerts.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates pipeline health on a ticker and keeps the outcome of
// the latest pass for the health endpoint.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	log       *zap.Logger

	mu     sync.RWMutex
	last   *MetricsSnapshot
	alerts []Alert
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run checks once at startup, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("pipeline health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)
	if ctx.Err() == nil {
		c.Check(ctx)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("pipeline health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one pass: snapshot the pipeline, evaluate thresholds, deliver
// alerts. A failed snapshot keeps the previous pass.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("pipeline health snapshot failed", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	c.mu.Lock()
	c.last, c.alerts = snap, alerts
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Int("queued", snap.JobsQueued),
		zap.Int("running", snap.JobsRunning),
		zap.Int("dlq_depth", snap.DLQDepth),
		zap.Int("failed_pages", snap.FailedPages),
		zap.Int("failed_blocks", snap.FailedBlocks),
		zap.Int("failed_contents", snap.FailedContents),
		zap.Float64("ai_cost_usd", snap.AICostUSD),
	}
	stages := make([]string, 0, len(snap.FailedByStage))
	for stage := range snap.FailedByStage {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fields = append(fields, zap.Int("failed_"+stage, snap.FailedByStage[stage]))
	}

	if len(alerts) == 0 {
		c.log.Debug("pipeline healthy", fields...)
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("pipeline health alerts raised",
		append(fields, zap.Int("alerts", len(alerts)), zap.Int("delivered", sent))...)
	return alerts
}

// Last returns the snapshot and alerts of the latest successful pass, or
// nil before the first one.
func (c *Checker) Last() (*MetricsSnapshot, []Alert) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.alerts
}
