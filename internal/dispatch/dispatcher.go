package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// Handler runs one stage job. It ends with the stage's completion write,
// which marks the job SUCCEEDED in the same transaction as the result. A
// handler that finds its unit already complete still calls the completion
// write so the job converges.
type Handler interface {
	Handle(ctx context.Context, job *model.StageJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.StageJob) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *model.StageJob) error { return f(ctx, job) }

// Store is the job-table subset the dispatcher needs.
type Store interface {
	EnqueueJob(ctx context.Context, job *model.StageJob) (model.JobHandle, error)
	ClaimJob(ctx context.Context, stage model.Stage, now time.Time) (*model.StageJob, error)
	RescheduleJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error
	FailJob(ctx context.Context, jobID string, entry resilience.DLQEntry) (*resilience.DLQEntry, error)
	CancelJob(ctx context.Context, jobID, reason string) error
	StaleJobs(ctx context.Context, lockedBefore time.Time) ([]model.StageJob, error)
	Retrigger(ctx context.Context, dlqID, actor string, maxAttempts int, now time.Time) (model.JobHandle, error)
	GetDLQ(ctx context.Context, id string) (*resilience.DLQEntry, error)
}

// Outcome is what happened to a claimed job.
type Outcome string

const (
	OutcomeIdle        Outcome = "idle"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
)

// Result describes one RunOnce. Err is the stage failure, if any: a
// *resilience.RetryExhaustedError once the budget is spent, otherwise the
// handler's error.
type Result struct {
	Job     *model.StageJob
	Outcome Outcome
	RunAt   time.Time
	DLQ     *resilience.DLQEntry
	Err     error
}

// Dispatcher owns the stage handlers and their retry policies.
type Dispatcher struct {
	store Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[model.Stage]Handler
}

// New creates a Dispatcher with no handlers registered.
func New(st Store, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:    st,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "dispatch")),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[model.Stage]Handler),
	}
}

// SetClock overrides the dispatcher's clock.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Register installs the handler for a stage.
func (d *Dispatcher) Register(stage model.Stage, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[stage] = h
}

// Stages lists the stages with a registered handler in pipeline order.
func (d *Dispatcher) Stages() []model.Stage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.Stage
	for _, s := range model.Stages {
		if _, ok := d.handlers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) handler(stage model.Stage) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[stage]
	return h, ok
}

// Enqueue creates a job for unitID at stage. The job ID is recorded on the
// unit and the unit moves to QUEUED in the same transaction. A unit that
// already has an active job is rejected with a *model.StateConflictError
// whose Handle is the existing job.
func (d *Dispatcher) Enqueue(ctx context.Context, stage model.Stage, unitID string, payload []byte) (model.JobHandle, error) {
	if !stage.Valid() {
		return model.JobHandle{}, model.NewValidationError("stage", "unknown stage %q", stage)
	}
	h, err := d.store.EnqueueJob(ctx, &model.StageJob{
		Stage:       stage,
		UnitID:      unitID,
		Payload:     payload,
		MaxAttempts: d.cfg.Policy(stage).MaxAttempts,
		RunAt:       d.now(),
	})
	if err != nil {
		return model.JobHandle{}, eris.Wrapf(err, "dispatch: enqueue %s %s", stage, unitID)
	}
	d.log.Debug("job enqueued",
		zap.String("stage", string(stage)),
		zap.String("unit_id", unitID),
		zap.String("job_id", h.JobID),
	)
	return h, nil
}

// Retrigger re-opens the unit behind a dead-letter entry and enqueues a
// fresh job with the stage's full budget.
func (d *Dispatcher) Retrigger(ctx context.Context, dlqID, actor string) (model.JobHandle, error) {
	e, err := d.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return model.JobHandle{}, eris.Wrapf(err, "dispatch: load dead letter %s", dlqID)
	}
	h, err := d.store.Retrigger(ctx, dlqID, actor, d.cfg.Policy(e.Stage).MaxAttempts, d.now())
	if err != nil {
		return model.JobHandle{}, eris.Wrapf(err, "dispatch: retrigger %s", dlqID)
	}
	d.log.Info("dead letter re-triggered",
		zap.String("dlq_id", dlqID),
		zap.String("stage", string(e.Stage)),
		zap.String("unit_id", e.UnitID),
		zap.String("job_id", h.JobID),
		zap.String("actor", actor),
	)
	return h, nil
}

// RunOnce claims and runs at most one runnable job of stage. The returned
// error is reserved for dispatcher and store failures; the stage outcome is
// in the Result.
func (d *Dispatcher) RunOnce(ctx context.Context, stage model.Stage) (Result, error) {
	if _, ok := d.handler(stage); !ok {
		return Result{}, model.NewValidationError("stage", "no handler registered for %s", stage)
	}
	job, err := d.store.ClaimJob(ctx, stage, d.now())
	if err != nil {
		return Result{}, eris.Wrapf(err, "dispatch: claim %s", stage)
	}
	if job == nil {
		return Result{Outcome: OutcomeIdle}, nil
	}
	return d.process(ctx, job)
}

// process runs a claimed job and settles it.
func (d *Dispatcher) process(ctx context.Context, job *model.StageJob) (Result, error) {
	log := d.log.With(
		zap.String("stage", string(job.Stage)),
		zap.String("unit_id", job.UnitID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
	)
	h, ok := d.handler(job.Stage)
	if !ok {
		return Result{Job: job}, eris.Errorf("dispatch: no handler for %s", job.Stage)
	}

	start := time.Now()
	herr := runHandler(ctx, h, job)
	res := Result{Job: job, Err: herr}
	if herr == nil {
		res.Outcome = OutcomeSucceeded
		log.Info("stage job succeeded", zap.Duration("elapsed", time.Since(start)))
		return res, nil
	}

	// Settle even when the caller is shutting down; an unsettled job waits
	// for the sweeper.
	sctx := context.WithoutCancel(ctx)

	switch {
	case model.IsNotFound(herr):
		res.Outcome = OutcomeCanceled
		log.Info("unit gone, job canceled", zap.Error(herr))
		return res, eris.Wrap(d.store.CancelJob(sctx, job.ID, herr.Error()), "dispatch: cancel job")

	case model.IsStateConflict(herr):
		res.Outcome = OutcomeCanceled
		log.Warn("unit moved on, job canceled", zap.Error(herr))
		return res, eris.Wrap(d.store.CancelJob(sctx, job.ID, herr.Error()), "dispatch: cancel job")

	case ctx.Err() != nil && !resilience.IsTerminal(herr):
		// Interrupted by shutdown: requeue for immediate pickup.
		res.Outcome = OutcomeRescheduled
		res.RunAt = d.now()
		log.Info("stage job interrupted", zap.Error(herr))
		return res, eris.Wrap(d.store.RescheduleJob(sctx, job.ID, res.RunAt, herr.Error()), "dispatch: requeue interrupted job")

	case retryable(herr) && job.Attempts < job.MaxAttempts:
		policy := d.cfg.Policy(job.Stage)
		delay := resilience.Backoff(job.Attempts-1, policy)
		res.Outcome = OutcomeRescheduled
		res.RunAt = d.now().Add(delay)
		log.Warn("stage job failed, retrying",
			zap.Error(herr),
			zap.String("error_kind", resilience.KindOf(herr)),
			zap.Duration("backoff", delay),
			zap.Int("max_attempts", job.MaxAttempts),
		)
		return res, eris.Wrap(d.store.RescheduleJob(sctx, job.ID, res.RunAt, herr.Error()), "dispatch: reschedule job")
	}

	failErr := herr
	if retryable(herr) {
		failErr = &resilience.RetryExhaustedError{
			Stage: string(job.Stage), UnitID: job.UnitID, Attempts: job.Attempts, Err: herr,
		}
	}
	res.Outcome = OutcomeFailed
	res.Err = failErr
	entry, err := d.store.FailJob(sctx, job.ID, resilience.NewDLQEntry(*job, failErr, d.now()))
	if err != nil {
		return res, eris.Wrap(err, "dispatch: fail job")
	}
	res.DLQ = entry
	log.Error("stage job failed",
		zap.Error(failErr),
		zap.String("error_type", entry.ErrorType),
		zap.String("error_kind", entry.ErrorKind),
		zap.String("dlq_id", entry.ID),
	)
	return res, nil
}

// retryable reports whether a failure may be retried. Terminal and
// validation errors never are; anything else gets the stage's budget.
func retryable(err error) bool {
	return !resilience.IsTerminal(err) && !model.IsValidation(err)
}

// runHandler converts a handler panic into a terminal error so one bad
// unit cannot take a worker down.
func runHandler(ctx context.Context, h Handler, job *model.StageJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.NewTerminalError(eris.Errorf("dispatch: handler panic: %v", r), resilience.KindUnknown)
		}
	}()
	return h.Handle(ctx, job)
}

// IsRetryExhausted reports whether err is a spent retry budget.
func IsRetryExhausted(err error) bool {
	var re *resilience.RetryExhaustedError
	return errors.As(err, &re)
}
