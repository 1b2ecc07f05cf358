package dispatch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// Run starts a poller and a worker pool for every registered stage plus the
// stale-job sweeper, and blocks until ctx is canceled. Jobs in flight are
// settled before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	stages := d.Stages()
	if len(stages) == 0 {
		return eris.New("dispatch: no stage handlers registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range stages {
		jobs := make(chan *model.StageJob)
		g.Go(func() error {
			defer close(jobs)
			return d.poll(gctx, stage, jobs)
		})
		n := d.cfg.WorkersFor(stage)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				d.work(gctx, jobs)
				return nil
			})
		}
		d.log.Info("stage pool started", zap.String("stage", string(stage)), zap.Int("workers", n))
	}
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})

	return g.Wait()
}

// poll claims runnable jobs and hands them to the pool. The channel is
// unbuffered, so a job is only claimed once a worker is ready for it.
func (d *Dispatcher) poll(ctx context.Context, stage model.Stage, jobs chan<- *model.StageJob) error {
	log := d.log.With(zap.String("stage", string(stage)))
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything runnable before sleeping.
		for {
			job, err := d.store.ClaimJob(ctx, stage, d.now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("claim failed", zap.Error(err))
				break
			}
			if job == nil {
				break
			}
			select {
			case jobs <- job:
			case <-ctx.Done():
				// Claimed but never started: requeue it untouched.
				if err := d.store.RescheduleJob(context.WithoutCancel(ctx), job.ID, d.now(), "dispatcher stopped"); err != nil {
					log.Warn("requeue on shutdown failed", zap.String("job_id", job.ID), zap.Error(err))
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, jobs <-chan *model.StageJob) {
	for job := range jobs {
		if _, err := d.process(ctx, job); err != nil {
			d.log.Error("settle job failed",
				zap.String("stage", string(job.Stage)),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Requeued int
	Failed   int
}

// Sweep settles RUNNING jobs whose lock is older than the stale window: a
// job with budget left goes back to the queue, a job that has used every
// attempt fails with a dead-letter entry.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := d.now()
	stale, err := d.store.StaleJobs(ctx, now.Add(-d.cfg.StaleAfter))
	if err != nil {
		return res, eris.Wrap(err, "dispatch: list stale jobs")
	}

	for i := range stale {
		job := stale[i]
		log := d.log.With(
			zap.String("stage", string(job.Stage)),
			zap.String("unit_id", job.UnitID),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Time("locked_at", job.LockedAt),
		)
		lockErr := resilience.NewTransientError(
			eris.Errorf("dispatch: lock held since %s", job.LockedAt.Format(time.RFC3339)), 0)

		if job.Attempts < job.MaxAttempts {
			if err := d.store.RescheduleJob(ctx, job.ID, now, lockErr.Error()); err != nil {
				if model.IsStateConflict(err) {
					continue
				}
				return res, eris.Wrapf(err, "dispatch: requeue stale job %s", job.ID)
			}
			res.Requeued++
			log.Warn("stale job requeued")
			continue
		}

		failErr := &resilience.RetryExhaustedError{
			Stage: string(job.Stage), UnitID: job.UnitID, Attempts: job.Attempts, Err: lockErr,
		}
		if _, err := d.store.FailJob(ctx, job.ID, resilience.NewDLQEntry(job, failErr, now)); err != nil {
			if model.IsStateConflict(err) {
				continue
			}
			return res, eris.Wrapf(err, "dispatch: fail stale job %s", job.ID)
		}
		res.Failed++
		log.Error("stale job failed", zap.Error(failErr))
	}
	return res, nil
}
