package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *store.SQLStore, *testClock) {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	clock := &testClock{now: testStart}
	s := store.New(d)
	s.SetClock(clock.Now)
	require.NoError(t, s.Migrate(context.Background()))

	disp := New(s, cfg)
	disp.SetClock(clock.Now)
	return disp, s, clock
}

func seedPages(t *testing.T, s *store.SQLStore, n int) (*model.Batch, []model.Page) {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{Topic: "Anatomy", VisionProvider: model.ProviderAnthropic}
	require.NoError(t, s.CreateBatch(ctx, b))
	pages := make([]model.Page, 0, n)
	for i := 1; i <= n; i++ {
		p := &model.Page{BatchID: b.ID, PageNumber: i, FileKey: "uploads/page.png", MediaType: "image/png"}
		require.NoError(t, s.AddPage(ctx, p))
		pages = append(pages, *p)
	}
	return b, pages
}

// visionOK completes a page with one parsed block.
func visionOK(s *store.SQLStore) HandlerFunc {
	return func(ctx context.Context, job *model.StageJob) error {
		_, err := s.CompletePageVision(ctx, job.ID, job.UnitID, []model.ParsedBlock{{Text: "The median nerve supplies the thenar muscles."}})
		return err
	}
}

func TestEnqueue_RejectsSecondActiveJob(t *testing.T) {
	t.Parallel()
	disp, s, _ := newTestDispatcher(t, Config{})
	_, pages := seedPages(t, s, 1)
	ctx := context.Background()

	h, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)

	_, err = disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	var sc *model.StateConflictError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, store.ErrJobActive, sc.Reason)
	assert.Equal(t, h.JobID, sc.Handle)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusQueued, p.OCRStatus)
	assert.Equal(t, h.JobID, p.OCRJobID)

	j, err := s.GetJob(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, j.MaxAttempts)

	_, err = disp.Enqueue(ctx, "SUMMARIZE", pages[0].ID, nil)
	assert.True(t, model.IsValidation(err))
}

func TestRunOnce_Success(t *testing.T) {
	t.Parallel()
	disp, s, _ := newTestDispatcher(t, Config{})
	disp.Register(model.StageVisionParse, visionOK(s))
	_, pages := seedPages(t, s, 1)
	ctx := context.Background()

	h, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)

	res, err := disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.NoError(t, res.Err)

	j, err := s.GetJob(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, j.Status)
	assert.Equal(t, 1, j.Attempts)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusDone, p.OCRStatus)

	res, err = disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, res.Outcome)
}

func TestRunOnce_TransientRetriesThenFails(t *testing.T) {
	t.Parallel()
	disp, s, clock := newTestDispatcher(t, Config{})
	var calls int
	disp.Register(model.StageVisionParse, HandlerFunc(func(context.Context, *model.StageJob) error {
		calls++
		return resilience.NewTransientError(eris.New("provider overloaded"), 529)
	}))
	b, pages := seedPages(t, s, 1)
	ctx := context.Background()
	_, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)

	res, err := disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRescheduled, res.Outcome)
	assert.Equal(t, testStart.Add(2*time.Second), res.RunAt)

	// Not runnable before its backoff elapses.
	clock.Advance(time.Second)
	res, err = disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, res.Outcome)

	clock.Advance(time.Second)
	res, err = disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRescheduled, res.Outcome)
	assert.Equal(t, clock.Now().Add(4*time.Second), res.RunAt)

	clock.Advance(4 * time.Second)
	res, err = disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, calls)

	var exhausted *resilience.RetryExhaustedError
	require.True(t, errors.As(res.Err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, IsRetryExhausted(res.Err))

	require.NotNil(t, res.DLQ)
	assert.Equal(t, "transient", res.DLQ.ErrorType)
	assert.Equal(t, resilience.KindUnavailable, res.DLQ.ErrorKind)
	assert.Equal(t, b.ID, res.DLQ.BatchID)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, p.OCRStatus)

	j, err := s.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, j.Status)

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, batch.Status)
}

func TestRunOnce_TerminalFailsImmediately(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"malformed response", resilience.NewTerminalError(eris.New("not json"), resilience.KindMalformed), resilience.KindMalformed},
		{"validation", model.NewValidationError("front", "must not be empty"), resilience.KindUnknown},
		{"panic", nil, resilience.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			disp, s, _ := newTestDispatcher(t, Config{})
			disp.Register(model.StageVisionParse, HandlerFunc(func(context.Context, *model.StageJob) error {
				if tt.err == nil {
					panic("nil map write")
				}
				return tt.err
			}))
			_, pages := seedPages(t, s, 1)
			ctx := context.Background()
			_, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
			require.NoError(t, err)

			res, err := disp.RunOnce(ctx, model.StageVisionParse)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.False(t, IsRetryExhausted(res.Err))
			require.NotNil(t, res.DLQ)
			assert.Equal(t, "permanent", res.DLQ.ErrorType)
			assert.Equal(t, tt.kind, res.DLQ.ErrorKind)
			assert.Equal(t, 1, res.DLQ.Attempts)

			p, err := s.GetPage(ctx, pages[0].ID)
			require.NoError(t, err)
			assert.Equal(t, model.StageStatusFailed, p.OCRStatus)
			assert.NotEmpty(t, p.Error)
		})
	}
}

func TestRunOnce_DeletedUnitCancelsJob(t *testing.T) {
	t.Parallel()
	disp, s, _ := newTestDispatcher(t, Config{})
	disp.Register(model.StageVisionParse, HandlerFunc(func(context.Context, *model.StageJob) error {
		return model.NewNotFound("page", "gone")
	}))
	_, pages := seedPages(t, s, 1)
	ctx := context.Background()
	h, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)

	res, err := disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, res.Outcome)

	j, err := s.GetJob(ctx, h.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCanceled, j.Status)

	dlq, err := s.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, dlq)
}

func TestRunOnce_NoHandler(t *testing.T) {
	t.Parallel()
	disp, _, _ := newTestDispatcher(t, Config{})
	_, err := disp.RunOnce(context.Background(), model.StageVisionParse)
	assert.True(t, model.IsValidation(err))
}

func TestRetrigger_ReopensFailedUnit(t *testing.T) {
	t.Parallel()
	disp, s, _ := newTestDispatcher(t, Config{})
	fail := true
	disp.Register(model.StageVisionParse, HandlerFunc(func(ctx context.Context, job *model.StageJob) error {
		if fail {
			return resilience.NewTerminalError(eris.New("empty response"), resilience.KindMalformed)
		}
		return visionOK(s)(ctx, job)
	}))
	_, pages := seedPages(t, s, 1)
	ctx := context.Background()
	_, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)

	res, err := disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	require.NotNil(t, res.DLQ)

	fail = false
	h, err := disp.Retrigger(ctx, res.DLQ.ID, "ops@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, res.Job.ID, h.JobID)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusQueued, p.OCRStatus)

	overrides, err := s.ListOverrides(ctx, pages[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, overrides)
	assert.Equal(t, "ops@example.com", overrides[0].Actor)

	res, err = disp.RunOnce(ctx, model.StageVisionParse)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)

	dlq, err := s.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, dlq)

	_, err = disp.Retrigger(ctx, "missing", "ops@example.com")
	assert.True(t, model.IsNotFound(err))
}

func TestSweep(t *testing.T) {
	t.Parallel()
	disp, s, clock := newTestDispatcher(t, Config{StaleAfter: 10 * time.Minute})
	_, pages := seedPages(t, s, 2)
	ctx := context.Background()

	// One job on its first attempt, one on its last.
	fresh, err := disp.Enqueue(ctx, model.StageVisionParse, pages[0].ID, nil)
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, &model.StageJob{Stage: model.StageVisionParse, UnitID: pages[1].ID, MaxAttempts: 1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		j, err := s.ClaimJob(ctx, model.StageVisionParse, clock.Now())
		require.NoError(t, err)
		require.NotNil(t, j)
	}

	res, err := disp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "locks are still fresh")

	clock.Advance(11 * time.Minute)
	res, err = disp.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Requeued: 1, Failed: 1}, res)

	j, err := s.GetJob(ctx, fresh.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, 1, j.Attempts)

	p, err := s.GetPage(ctx, pages[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, p.OCRStatus)

	dlq, err := s.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "transient", dlq[0].ErrorType)
}

func TestRun_DrainsQueue(t *testing.T) {
	t.Parallel()
	disp, s, _ := newTestDispatcher(t, Config{Workers: 3, PollInterval: 10 * time.Millisecond})
	disp.Register(model.StageVisionParse, visionOK(s))
	b, pages := seedPages(t, s, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, p := range pages {
		_, err := disp.Enqueue(ctx, model.StageVisionParse, p.ID, nil)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	require.Eventually(t, func() bool {
		done, err := s.ListPages(context.Background(), b.ID, model.StageStatusDone)
		return err == nil && len(done) == len(pages)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	batch, err := s.GetBatch(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusClassified, batch.Status)
}

func TestRun_NoHandlers(t *testing.T) {
	t.Parallel()
	disp, _, _ := newTestDispatcher(t, Config{})
	assert.Error(t, disp.Run(context.Background()))
}
