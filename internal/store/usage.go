package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

// TaskConfigs returns every stored task route, ordered by task.
func (s *SQLStore) TaskConfigs(ctx context.Context) ([]model.TaskConfig, error) {
	rows, err := s.db.Query(ctx, `SELECT task, provider, model, temperature, max_tokens, active, updated_at
		FROM ai_task_configs ORDER BY task`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list task configs")
	}
	defer rows.Close()

	var out []model.TaskConfig
	for rows.Next() {
		var c model.TaskConfig
		if err := rows.Scan(&c.Task, &c.Provider, &c.Model, &c.Temperature, &c.MaxTokens,
			&c.Active, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan task config")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate task configs")
}

// UpsertTaskConfig stores the route for one task, replacing any previous one.
func (s *SQLStore) UpsertTaskConfig(ctx context.Context, cfg model.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `INSERT INTO ai_task_configs (task, provider, model, temperature, max_tokens, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task) DO UPDATE SET provider = excluded.provider, model = excluded.model,
			temperature = excluded.temperature, max_tokens = excluded.max_tokens,
			active = excluded.active, updated_at = excluded.updated_at`,
		string(cfg.Task), string(cfg.Provider), cfg.Model, cfg.Temperature, cfg.MaxTokens, cfg.Active, s.now())
	return eris.Wrapf(err, "store: upsert task config %s", cfg.Task)
}

const usageColumns = `id, task, provider, model, input_tokens, output_tokens, cost, success, error_kind,
	batch_id, page_id, day, created_at`

// RecordUsage appends one ledger row. Rows are never updated.
func (s *SQLStore) RecordUsage(ctx context.Context, rec *model.UsageRecord) error {
	if !rec.Task.Valid() {
		return model.NewValidationError("task", "unknown task type %q", rec.Task)
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Day == "" {
		rec.Day = rec.CreatedAt.Format(model.DayFormat)
	}
	_, err := s.db.Exec(ctx, `INSERT INTO ai_usage (`+usageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Task), string(rec.Provider), rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.Cost, rec.Success, rec.ErrorKind, rec.BatchID, rec.PageID, rec.Day, rec.CreatedAt)
	return eris.Wrap(err, "store: record usage")
}

// totalsSelect sums a slice of the ledger. Null costs add zero and are
// counted as unpriced.
const totalsSelect = `CAST(COUNT(*) AS BIGINT),
	CAST(COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS BIGINT),
	CAST(COALESCE(SUM(input_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(output_tokens), 0) AS BIGINT),
	CAST(COALESCE(SUM(cost), 0) AS DOUBLE PRECISION),
	CAST(COALESCE(SUM(CASE WHEN cost IS NULL THEN 1 ELSE 0 END), 0) AS BIGINT)`

func scanTotalsInto(dest *model.UsageTotals) []any {
	return []any{&dest.Calls, &dest.FailedCalls, &dest.InputTokens, &dest.OutputTokens, &dest.Cost, &dest.UnpricedCalls}
}

func usageWhere(filter UsageFilter) (string, []any) {
	where := ` WHERE 1 = 1`
	var args []any
	if filter.From != "" {
		where += ` AND day >= ?`
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where += ` AND day <= ?`
		args = append(args, filter.To)
	}
	return where, args
}

func validateRange(filter UsageFilter) error {
	if filter.From != "" && filter.To != "" && filter.From > filter.To {
		return model.NewValidationError("from", "%s is after %s", filter.From, filter.To)
	}
	return nil
}

// UsageSummary totals the ledger over an inclusive day range.
func (s *SQLStore) UsageSummary(ctx context.Context, filter UsageFilter) (model.UsageTotals, error) {
	var t model.UsageTotals
	if err := validateRange(filter); err != nil {
		return t, err
	}
	where, args := usageWhere(filter)
	err := s.db.QueryRow(ctx, `SELECT `+totalsSelect+` FROM ai_usage`+where, args...).Scan(scanTotalsInto(&t)...)
	return t, eris.Wrap(err, "store: usage summary")
}

// UsageByTask groups the ledger by task type.
func (s *SQLStore) UsageByTask(ctx context.Context, filter UsageFilter) ([]model.TaskUsage, error) {
	if err := validateRange(filter); err != nil {
		return nil, err
	}
	where, args := usageWhere(filter)
	rows, err := s.db.Query(ctx, `SELECT task, `+totalsSelect+` FROM ai_usage`+where+` GROUP BY task ORDER BY task`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: usage by task")
	}
	defer rows.Close()

	var out []model.TaskUsage
	for rows.Next() {
		var u model.TaskUsage
		if err := rows.Scan(append([]any{&u.Task}, scanTotalsInto(&u.UsageTotals)...)...); err != nil {
			return nil, eris.Wrap(err, "store: scan task usage")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate task usage")
}

// UsageByDay groups the ledger by UTC calendar day, both bounds inclusive.
func (s *SQLStore) UsageByDay(ctx context.Context, filter UsageFilter) ([]model.DayUsage, error) {
	if err := validateRange(filter); err != nil {
		return nil, err
	}
	where, args := usageWhere(filter)
	rows, err := s.db.Query(ctx, `SELECT day, `+totalsSelect+` FROM ai_usage`+where+` GROUP BY day ORDER BY day`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: usage by day")
	}
	defer rows.Close()

	var out []model.DayUsage
	for rows.Next() {
		var u model.DayUsage
		if err := rows.Scan(append([]any{&u.Day}, scanTotalsInto(&u.UsageTotals)...)...); err != nil {
			return nil, eris.Wrap(err, "store: scan day usage")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate day usage")
}

// UsageByBatch totals one batch's calls and lists them oldest first.
func (s *SQLStore) UsageByBatch(ctx context.Context, batchID string) (*model.BatchUsage, error) {
	out := &model.BatchUsage{BatchID: batchID}
	if err := s.db.QueryRow(ctx, `SELECT `+totalsSelect+` FROM ai_usage WHERE batch_id = ?`, batchID).
		Scan(scanTotalsInto(&out.Totals)...); err != nil {
		return nil, eris.Wrap(err, "store: usage by batch")
	}

	rows, err := s.db.Query(ctx, `SELECT `+usageColumns+` FROM ai_usage WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list batch usage")
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan usage")
		}
		out.Records = append(out.Records, *rec)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate batch usage")
}

func scanUsage(row db.Row) (*model.UsageRecord, error) {
	var r model.UsageRecord
	err := row.Scan(&r.ID, &r.Task, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.Cost,
		&r.Success, &r.ErrorKind, &r.BatchID, &r.PageID, &r.Day, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
