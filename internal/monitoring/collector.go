package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Stage job counts (all time).
	JobsQueued    int            `json:"jobs_queued"`
	JobsRunning   int            `json:"jobs_running"`
	JobsSucceeded int            `json:"jobs_succeeded"`
	JobsFailed    int            `json:"jobs_failed"`
	JobFailRate   float64        `json:"job_fail_rate"`
	FailedByStage map[string]int `json:"failed_by_stage,omitempty"`

	// Units that exhausted their retry budget.
	FailedPages    int `json:"failed_pages"`
	FailedBlocks   int `json:"failed_blocks"`
	FailedContents int `json:"failed_contents"`

	DLQDepth        int           `json:"dlq_depth"`
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
	PendingHints    int           `json:"pending_hints"`

	// AI spend (within lookback window).
	AICalls       int64   `json:"ai_calls"`
	AIFailedCalls int64   `json:"ai_failed_calls"`
	AICostUSD     float64 `json:"ai_cost_usd"`
	UnpricedCalls int64   `json:"unpriced_calls"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// HealthSource reads the raw health counters.
type HealthSource interface {
	HealthStats(ctx context.Context, spendSince time.Time) (*store.HealthStats, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src HealthSource
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src HealthSource) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot of pipeline metrics. Spend covers the
// lookback window; everything else is current state.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	hs, err := c.src.HealthStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: health stats")
	}

	for stage, byStatus := range hs.Jobs {
		snap.JobsQueued += byStatus[model.JobQueued]
		snap.JobsRunning += byStatus[model.JobRunning]
		snap.JobsSucceeded += byStatus[model.JobSucceeded]
		if n := byStatus[model.JobFailed]; n > 0 {
			snap.JobsFailed += n
			if snap.FailedByStage == nil {
				snap.FailedByStage = make(map[string]int)
			}
			snap.FailedByStage[string(stage)] = n
		}
	}
	if finished := snap.JobsSucceeded + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	snap.FailedPages = hs.FailedPages
	snap.FailedBlocks = hs.FailedBlocks
	snap.FailedContents = hs.FailedContents
	snap.DLQDepth = hs.DLQDepth
	snap.PendingHints = hs.PendingHints
	if hs.OldestQueued != nil {
		snap.OldestQueuedAge = now.Sub(*hs.OldestQueued)
	}

	snap.AICalls = hs.Spend.Calls
	snap.AIFailedCalls = hs.Spend.FailedCalls
	snap.AICostUSD = hs.Spend.Cost
	snap.UnpricedCalls = hs.Spend.UnpricedCalls

	return snap, nil
}
