package ai

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/cost"
	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memLedger struct {
	mu      sync.Mutex
	records []model.UsageRecord
	fails   int
}

func (l *memLedger) RecordUsage(_ context.Context, rec *model.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fails > 0 {
		l.fails--
		return eris.New("ledger unavailable")
	}
	l.records = append(l.records, *rec)
	return nil
}

func testRates() cost.Rates {
	return cost.Rates{
		model.ProviderAnthropic: {"claude-sonnet-4-5-20250929": {Input: 3, Output: 15}},
		model.ProviderOpenAI:    {"gpt-4o-mini": {Input: 0.15, Output: 0.6}},
	}
}

func testRouter(ledger Ledger) *Router {
	return NewRouter(StaticConfig(testSet()), ledger, cost.NewCalculator(testRates()), Config{
		CallTimeout:    time.Second,
		CircuitBreaker: BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
		LedgerRetry:    resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	})
}

func okClient(text string, in, out int64) Client {
	return ClientFunc(func(_ context.Context, call Call) (*Completion, error) {
		return &Completion{Text: text, Model: call.Model, Usage: Usage{InputTokens: in, OutputTokens: out, Known: true}}, nil
	})
}

func TestRouter_CallRecordsUsage(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)
	r.Register(model.ProviderAnthropic, okClient(`{"blocks":[]}`, 1_000_000, 100_000))

	resp, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse, Prompt: "page", BatchID: "b-1", PageID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, `{"blocks":[]}`, resp.Text)
	assert.Equal(t, model.ProviderAnthropic, resp.Provider)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 4.5, *resp.Cost, 1e-9)

	require.Len(t, ledger.records, 1)
	rec := ledger.records[0]
	assert.True(t, rec.Success)
	assert.Equal(t, model.TaskVisionParse, rec.Task)
	assert.Equal(t, "claude-sonnet-4-5-20250929", rec.Model)
	assert.Equal(t, int64(1_000_000), rec.InputTokens)
	assert.Equal(t, "b-1", rec.BatchID)
	assert.Equal(t, "p-1", rec.PageID)
	assert.Equal(t, rec.CreatedAt.Format(model.DayFormat), rec.Day)
}

func TestRouter_OverridePassesModel(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)
	var gotModel string
	r.Register(model.ProviderOpenAI, ClientFunc(func(_ context.Context, call Call) (*Completion, error) {
		gotModel = call.Model
		return &Completion{Text: "ok", Usage: Usage{InputTokens: 10, OutputTokens: 1, Known: true}}, nil
	}))

	resp, err := r.Call(context.Background(), Request{
		Task:     model.TaskVisionParse,
		Override: &Override{Provider: model.ProviderOpenAI},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", gotModel)
	assert.Nil(t, resp.Cost, "gpt-4o has no rate in the test table")
	require.Len(t, ledger.records, 1)
	assert.Nil(t, ledger.records[0].Cost)
}

func TestRouter_FailedCallRecordsPartialUsage(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)
	r.Register(model.ProviderAnthropic, ClientFunc(func(context.Context, Call) (*Completion, error) {
		return &Completion{Usage: Usage{InputTokens: 500, OutputTokens: 0, Known: true}},
			resilience.NewTerminalError(eris.New("empty response"), resilience.KindMalformed)
	}))

	_, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse})
	require.Error(t, err)
	assert.True(t, resilience.IsTerminal(err))

	require.Len(t, ledger.records, 1)
	rec := ledger.records[0]
	assert.False(t, rec.Success)
	assert.Equal(t, resilience.KindMalformed, rec.ErrorKind)
	assert.Equal(t, int64(500), rec.InputTokens)
	require.NotNil(t, rec.Cost)
}

func TestRouter_UnknownUsageHasNilCost(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)
	r.Register(model.ProviderAnthropic, ClientFunc(func(context.Context, Call) (*Completion, error) {
		return nil, resilience.NewTransientError(eris.New("overloaded"), 529)
	}))

	_, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	require.Len(t, ledger.records, 1)
	assert.Nil(t, ledger.records[0].Cost)
	assert.Zero(t, ledger.records[0].InputTokens)
	assert.Equal(t, resilience.KindUnavailable, ledger.records[0].ErrorKind)
}

func TestRouter_RefusedCallsRecordNothing(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)

	_, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse})
	assert.True(t, resilience.IsTerminal(err), "no client registered")

	_, err = r.Call(context.Background(), Request{Task: model.TaskQuestionGeneration})
	assert.True(t, errors.Is(err, ErrNoActiveConfig))

	assert.Empty(t, ledger.records)
}

func TestRouter_TimeoutIsTransient(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := NewRouter(StaticConfig(testSet()), ledger, nil, Config{CallTimeout: 20 * time.Millisecond})
	r.Register(model.ProviderAnthropic, ClientFunc(func(ctx context.Context, _ Call) (*Completion, error) {
		<-ctx.Done()
		return nil, eris.Wrap(ctx.Err(), "provider call")
	}))

	_, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	require.Len(t, ledger.records, 1)
	assert.Equal(t, resilience.KindTimeout, ledger.records[0].ErrorKind)
}

func TestRouter_CircuitOpensPerProvider(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{}
	r := testRouter(ledger)
	var calls atomic.Int32
	r.Register(model.ProviderAnthropic, ClientFunc(func(context.Context, Call) (*Completion, error) {
		calls.Add(1)
		return nil, resilience.NewTransientError(eris.New("bad gateway"), 502)
	}))
	r.Register(model.ProviderOpenAI, okClient("ok", 1, 1))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Call(ctx, Request{Task: model.TaskVisionParse})
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.CircuitOpen, r.BreakerStates()[string(model.ProviderAnthropic)])

	_, err := r.Call(ctx, Request{Task: model.TaskContentClassify})
	require.NoError(t, err)
	assert.Len(t, ledger.records, 3)
}

func TestRouter_LedgerWriteRetried(t *testing.T) {
	t.Parallel()
	ledger := &memLedger{fails: 2}
	r := testRouter(ledger)
	r.Register(model.ProviderAnthropic, okClient("ok", 1, 1))

	_, err := r.Call(context.Background(), Request{Task: model.TaskVisionParse})
	require.NoError(t, err)
	assert.Len(t, ledger.records, 1)
}

func TestRouter_LedgerSumsMatchCalls(t *testing.T) {
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	st := store.New(d)
	require.NoError(t, st.Migrate(context.Background()))

	r := NewRouter(StaticConfig(testSet()), st, cost.NewCalculator(testRates()), Config{})
	r.Register(model.ProviderAnthropic, okClient("ok", 2000, 500))
	r.Register(model.ProviderOpenAI, ClientFunc(func(context.Context, Call) (*Completion, error) {
		return nil, resilience.NewTransientError(eris.New("rate limited"), 429)
	}))

	ctx := context.Background()
	var want float64
	for i := 0; i < 3; i++ {
		resp, err := r.Call(ctx, Request{Task: model.TaskVisionParse, BatchID: "b-1"})
		require.NoError(t, err)
		want += *resp.Cost
	}
	_, err = r.Call(ctx, Request{Task: model.TaskContentClassify, BatchID: "b-1"})
	require.Error(t, err)

	report := NewUsageReport(st)
	sum, err := report.Summary(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), sum.Calls)
	assert.Equal(t, int64(1), sum.FailedCalls)
	assert.Equal(t, int64(1), sum.UnpricedCalls)
	assert.Equal(t, int64(6000), sum.InputTokens)
	assert.InDelta(t, want, sum.Cost, 1e-9)

	byTask, err := report.ByTask(ctx, "", "")
	require.NoError(t, err)
	var total model.UsageTotals
	for _, tu := range byTask {
		total.Add(tu.UsageTotals)
	}
	assert.Equal(t, sum, total)

	_, err = report.ByDay(ctx, "2026-13-01", "")
	assert.True(t, model.IsValidation(err))
	_, err = report.ByDay(ctx, "2026-03-02", "2026-03-01")
	assert.True(t, model.IsValidation(err))
}
