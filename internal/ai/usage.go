package ai

import (
	"context"
	"time"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/store"
)

// UsageStore aggregates the ledger.
type UsageStore interface {
	UsageSummary(ctx context.Context, filter store.UsageFilter) (model.UsageTotals, error)
	UsageByTask(ctx context.Context, filter store.UsageFilter) ([]model.TaskUsage, error)
	UsageByDay(ctx context.Context, filter store.UsageFilter) ([]model.DayUsage, error)
	UsageByBatch(ctx context.Context, batchID string) (*model.BatchUsage, error)
}

// UsageReport answers ledger aggregation queries. Days are inclusive UTC
// calendar days in YYYY-MM-DD form; an empty bound is open.
type UsageReport struct {
	store UsageStore
}

// NewUsageReport creates a UsageReport.
func NewUsageReport(st UsageStore) *UsageReport {
	return &UsageReport{store: st}
}

// Summary totals the ledger over the day range.
func (u *UsageReport) Summary(ctx context.Context, from, to string) (model.UsageTotals, error) {
	f, err := dayFilter(from, to)
	if err != nil {
		return model.UsageTotals{}, err
	}
	return u.store.UsageSummary(ctx, f)
}

// ByTask groups the ledger by task type.
func (u *UsageReport) ByTask(ctx context.Context, from, to string) ([]model.TaskUsage, error) {
	f, err := dayFilter(from, to)
	if err != nil {
		return nil, err
	}
	return u.store.UsageByTask(ctx, f)
}

// ByDay groups the ledger by calendar day.
func (u *UsageReport) ByDay(ctx context.Context, from, to string) ([]model.DayUsage, error) {
	f, err := dayFilter(from, to)
	if err != nil {
		return nil, err
	}
	return u.store.UsageByDay(ctx, f)
}

// ByBatch returns the totals and raw records of one batch.
func (u *UsageReport) ByBatch(ctx context.Context, batchID string) (*model.BatchUsage, error) {
	if batchID == "" {
		return nil, model.NewValidationError("batch_id", "must not be empty")
	}
	return u.store.UsageByBatch(ctx, batchID)
}

func dayFilter(from, to string) (store.UsageFilter, error) {
	for field, v := range map[string]string{"from": from, "to": to} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(model.DayFormat, v); err != nil {
			return store.UsageFilter{}, model.NewValidationError(field, "%q is not a YYYY-MM-DD day", v)
		}
	}
	if from != "" && to != "" && from > to {
		return store.UsageFilter{}, model.NewValidationError("from", "%s is after %s", from, to)
	}
	return store.UsageFilter{From: from, To: to}, nil
}
