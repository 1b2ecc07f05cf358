package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

// unitColumns names where a stage keeps its status and job handle.
type unitColumns struct {
	table  string
	status string
	job    string
}

var stageUnits = map[model.Stage]unitColumns{
	model.StageVisionParse:         {"pages", "ocr_status", "ocr_job_id"},
	model.StageContentClassify:     {"blocks", "classification_status", "classify_job_id"},
	model.StageKnowledgeExtraction: {"approved_contents", "extraction_status", "extraction_job_id"},
	model.StageFlashcardGeneration: {"approved_contents", "flashcard_status", "flashcard_job_id"},
	model.StageQuestionGeneration:  {"approved_contents", "question_status", "question_job_id"},
}

func unitFor(stage model.Stage) (unitColumns, error) {
	u, ok := stageUnits[stage]
	if !ok {
		return unitColumns{}, model.NewValidationError("stage", "unknown stage %q", stage)
	}
	return u, nil
}

// unitState reads a unit's stage status and owning batch. A missing unit is
// a NotFoundError.
func unitState(ctx context.Context, q db.Querier, stage model.Stage, unitID string) (status, batchID string, err error) {
	u, err := unitFor(stage)
	if err != nil {
		return "", "", err
	}
	err = q.QueryRow(ctx, `SELECT `+u.status+`, batch_id FROM `+u.table+` WHERE id = ?`, unitID).Scan(&status, &batchID)
	if db.IsNoRows(err) {
		return "", "", model.NewNotFound(string(stage.Unit()), unitID)
	}
	return status, batchID, eris.Wrapf(err, "store: read %s %s", stage.Unit(), unitID)
}

const jobColumns = `id, stage, unit_id, batch_id, payload, status, attempts, max_attempts, run_at, locked_at,
	last_error, created_at, updated_at`

func scanJob(row db.Row) (*model.StageJob, error) {
	var (
		j        model.StageJob
		runAt    int64
		lockedAt int64
	)
	err := row.Scan(&j.ID, &j.Stage, &j.UnitID, &j.BatchID, &j.Payload, &j.Status, &j.Attempts,
		&j.MaxAttempts, &runAt, &lockedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.RunAt, j.LockedAt = fromMillis(runAt), fromMillis(lockedAt)
	return &j, nil
}

func getJob(ctx context.Context, q db.Querier, id string) (*model.StageJob, error) {
	j, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM stage_jobs WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("job", id)
	}
	return j, eris.Wrapf(err, "store: get job %s", id)
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.StageJob, error) {
	return getJob(ctx, s.db, id)
}

func activeJob(ctx context.Context, q db.Querier, stage model.Stage, unitID string) (*model.JobHandle, error) {
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM stage_jobs WHERE stage = ? AND unit_id = ? AND status IN (?, ?)`,
		string(stage), unitID, string(model.JobQueued), string(model.JobRunning)).Scan(&id)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: find active job")
	}
	return &model.JobHandle{JobID: id, Stage: stage, UnitID: unitID}, nil
}

func activeJobForUnit(ctx context.Context, q db.Querier, unitID string) (*model.JobHandle, error) {
	var id, stage string
	err := q.QueryRow(ctx, `SELECT id, stage FROM stage_jobs WHERE unit_id = ? AND status IN (?, ?)`,
		unitID, string(model.JobQueued), string(model.JobRunning)).Scan(&id, &stage)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: find active job")
	}
	return &model.JobHandle{JobID: id, Stage: model.Stage(stage), UnitID: unitID}, nil
}

// ErrJobActive is the reason carried by the conflict returned when a unit
// already has a queued or running job for the stage.
const ErrJobActive = "job already active for unit"

// checkEnqueue verifies the unit may take a new job for the stage.
func checkEnqueue(ctx context.Context, q db.Querier, stage model.Stage, unitID, status string) error {
	if h, err := activeJob(ctx, q, stage, unitID); err != nil {
		return err
	} else if h != nil {
		return &model.StateConflictError{
			Entity: string(stage.Unit()), ID: unitID, Current: status,
			Reason: ErrJobActive, Handle: h.JobID,
		}
	}

	switch stage {
	case model.StageContentClassify:
		if model.ClassificationStatus(status) != model.ClassificationPending {
			return &model.StateConflictError{
				Entity: "block", ID: unitID, Current: status,
				Expected: string(model.ClassificationPending), Reason: "block is not awaiting classification",
			}
		}
		return nil
	case model.StageFlashcardGeneration, model.StageQuestionGeneration:
		var extraction string
		if err := q.QueryRow(ctx, `SELECT extraction_status FROM approved_contents WHERE id = ?`, unitID).
			Scan(&extraction); err != nil {
			return eris.Wrap(err, "store: read extraction status")
		}
		if model.StageStatus(extraction) != model.StageStatusDone {
			return &model.StateConflictError{
				Entity: "content", ID: unitID, Current: extraction,
				Expected: string(model.StageStatusDone), Reason: "knowledge has not been extracted",
			}
		}
	}
	return model.StageLifecycle.Check(unitID, model.StageStatus(status), model.StageStatusQueued)
}

// EnqueueJob inserts a job and records its handle on the owning unit in one
// transaction. A unit with an active job for the stage is rejected with a
// StateConflictError carrying the existing handle.
func (s *SQLStore) EnqueueJob(ctx context.Context, job *model.StageJob) (model.JobHandle, error) {
	var handle model.JobHandle
	err := s.tx(ctx, func(tx db.Tx) error {
		var err error
		handle, err = enqueueJob(ctx, tx, job, s.now())
		return err
	})
	return handle, err
}

func enqueueJob(ctx context.Context, q db.Querier, job *model.StageJob, now time.Time) (model.JobHandle, error) {
	u, err := unitFor(job.Stage)
	if err != nil {
		return model.JobHandle{}, err
	}
	if job.UnitID == "" {
		return model.JobHandle{}, model.NewValidationError("unit_id", "must not be empty")
	}
	if job.MaxAttempts <= 0 {
		return model.JobHandle{}, model.NewValidationError("max_attempts", "must be positive")
	}

	status, batchID, err := unitState(ctx, q, job.Stage, job.UnitID)
	if err != nil {
		return model.JobHandle{}, err
	}
	if err := checkEnqueue(ctx, q, job.Stage, job.UnitID, status); err != nil {
		return model.JobHandle{}, err
	}

	if job.ID == "" {
		job.ID = newID()
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.BatchID = batchID
	job.Status = model.JobQueued
	job.Attempts = 0
	job.LockedAt = time.Time{}
	job.LastError = ""
	job.CreatedAt, job.UpdatedAt = now, now

	_, err = q.Exec(ctx, `INSERT INTO stage_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Stage), job.UnitID, job.BatchID, job.Payload, string(job.Status), job.Attempts,
		job.MaxAttempts, millis(job.RunAt), int64(0), job.LastError, job.CreatedAt, job.UpdatedAt)
	if isUniqueViolation(err) {
		return model.JobHandle{}, &model.StateConflictError{
			Entity: string(job.Stage.Unit()), ID: job.UnitID, Current: status, Reason: ErrJobActive,
		}
	}
	if err != nil {
		return model.JobHandle{}, eris.Wrap(err, "store: insert job")
	}

	if job.Stage == model.StageContentClassify {
		_, err = q.Exec(ctx, `UPDATE blocks SET classify_job_id = ?, updated_at = ? WHERE id = ?`,
			job.ID, now, job.UnitID)
	} else {
		_, err = q.Exec(ctx, `UPDATE `+u.table+` SET `+u.status+` = ?, `+u.job+` = ?`+updatedAt(u.table)+` WHERE id = ?`,
			string(model.StageStatusQueued), job.ID, job.UnitID)
	}
	if err != nil {
		return model.JobHandle{}, eris.Wrap(err, "store: record job handle")
	}
	return model.JobHandle{JobID: job.ID, Stage: job.Stage, UnitID: job.UnitID}, nil
}

// updatedAt returns the updated_at assignment for tables that carry one.
// approved_contents is immutable apart from stage bookkeeping and has none.
func updatedAt(table string) string {
	if table == "approved_contents" {
		return ""
	}
	return `, updated_at = CURRENT_TIMESTAMP`
}

// ClaimJob takes the oldest runnable job of a stage, marks it RUNNING and
// counts the attempt. It returns nil when nothing is runnable or another
// worker won the race.
func (s *SQLStore) ClaimJob(ctx context.Context, stage model.Stage, now time.Time) (*model.StageJob, error) {
	u, err := unitFor(stage)
	if err != nil {
		return nil, err
	}
	var claimed *model.StageJob
	err = s.tx(ctx, func(tx db.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM stage_jobs
			WHERE stage = ? AND status = ? AND run_at <= ?
			ORDER BY run_at, created_at LIMIT 1`+db.LockSuffix(tx.Dialect()),
			string(stage), string(model.JobQueued), millis(now)))
		if db.IsNoRows(err) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "store: select runnable job")
		}

		n, err := tx.Exec(ctx, `UPDATE stage_jobs SET status = ?, attempts = attempts + 1, locked_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(model.JobRunning), millis(now), s.now(), j.ID, string(model.JobQueued))
		if err != nil {
			return eris.Wrap(err, "store: claim job")
		}
		if n == 0 {
			return nil
		}

		if stage != model.StageContentClassify {
			if _, err := tx.Exec(ctx, `UPDATE `+u.table+` SET `+u.status+` = ?`+updatedAt(u.table)+`
				WHERE id = ? AND `+u.status+` IN (?, ?)`,
				string(model.StageStatusProcessing), j.UnitID,
				string(model.StageStatusQueued), string(model.StageStatusProcessing)); err != nil {
				return eris.Wrap(err, "store: mark unit processing")
			}
		}

		j.Status = model.JobRunning
		j.Attempts++
		j.LockedAt = fromMillis(millis(now))
		claimed = j
		return nil
	})
	return claimed, err
}

// RescheduleJob returns a running job to the queue to run again at runAt.
func (s *SQLStore) RescheduleJob(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	n, err := s.db.Exec(ctx, `UPDATE stage_jobs SET status = ?, run_at = ?, locked_at = 0, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.JobQueued), millis(runAt), lastErr, s.now(), jobID, string(model.JobRunning))
	return eris.Wrapf(affectedOne(n, err, changedConflict("job", jobID, string(model.JobRunning))),
		"store: reschedule job %s", jobID)
}

// FailJob ends a job permanently. The job and its unit move to FAILED and a
// dead-letter entry is written in the same transaction. Page failures also
// settle the batch status.
func (s *SQLStore) FailJob(ctx context.Context, jobID string, entry resilience.DLQEntry) (*resilience.DLQEntry, error) {
	var out *resilience.DLQEntry
	err := s.tx(ctx, func(tx db.Tx) error {
		j, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.Status.IsActive() {
			return &model.StateConflictError{
				Entity: "job", ID: jobID, Current: string(j.Status),
				Expected: string(model.JobQueued) + "|" + string(model.JobRunning),
			}
		}
		now := s.now()
		if _, err := tx.Exec(ctx, `UPDATE stage_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(model.JobFailed), entry.Error, now, jobID); err != nil {
			return eris.Wrap(err, "store: fail job")
		}

		j.LastError = entry.Error
		failed, err := failUnit(ctx, tx, j)
		if err != nil {
			return err
		}

		if entry.ID == "" {
			entry.ID = newID()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if err := insertDLQ(ctx, tx, &entry); err != nil {
			return err
		}
		out = &entry

		if failed && j.Stage == model.StageVisionParse && j.BatchID != "" {
			return settleBatchAfterPages(ctx, tx, j.BatchID, s.now)
		}
		return nil
	})
	return out, err
}

// failUnit moves the job's unit to FAILED unless it already finished. It
// reports whether the unit changed.
func failUnit(ctx context.Context, q db.Querier, j *model.StageJob) (bool, error) {
	u, err := unitFor(j.Stage)
	if err != nil {
		return false, err
	}
	var n int64
	if j.Stage == model.StageContentClassify {
		n, err = q.Exec(ctx, `UPDATE blocks SET classification_status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND classification_status = ?`,
			string(model.ClassificationFailed), j.UnitID, string(model.ClassificationPending))
	} else {
		n, err = q.Exec(ctx, `UPDATE `+u.table+` SET `+u.status+` = ?`+updatedAt(u.table)+`
			WHERE id = ? AND `+u.status+` IN (?, ?, ?)`,
			string(model.StageStatusFailed), j.UnitID, string(model.StageStatusPending),
			string(model.StageStatusQueued), string(model.StageStatusProcessing))
	}
	if err != nil {
		return false, eris.Wrapf(err, "store: fail %s %s", j.Stage.Unit(), j.UnitID)
	}
	if n > 0 && j.Stage == model.StageVisionParse {
		if _, err := q.Exec(ctx, `UPDATE pages SET error = ? WHERE id = ?`, j.LastError, j.UnitID); err != nil {
			return false, eris.Wrap(err, "store: record page error")
		}
	}
	return n > 0, nil
}

// CancelJob ends an active job without touching its unit. Used when the
// unit no longer exists.
func (s *SQLStore) CancelJob(ctx context.Context, jobID, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE stage_jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(model.JobCanceled), reason, s.now(), jobID, string(model.JobQueued), string(model.JobRunning))
	return eris.Wrapf(err, "store: cancel job %s", jobID)
}

// StaleJobs lists RUNNING jobs locked before the cutoff.
func (s *SQLStore) StaleJobs(ctx context.Context, lockedBefore time.Time) ([]model.StageJob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM stage_jobs
		WHERE status = ? AND locked_at > 0 AND locked_at < ? ORDER BY locked_at`,
		string(model.JobRunning), millis(lockedBefore))
	if err != nil {
		return nil, eris.Wrap(err, "store: list stale jobs")
	}
	defer rows.Close()

	var out []model.StageJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate stale jobs")
}

// beginCompletion guards a stage completion write. It returns proceed=false
// when the job is no longer running or the unit already finished; in the
// latter case the job is marked SUCCEEDED so redelivery converges. A
// missing unit cancels the job.
func beginCompletion(ctx context.Context, q db.Querier, jobID string, stage model.Stage, unitID string) (proceed bool, err error) {
	j, err := getJob(ctx, q, jobID)
	if err != nil {
		return false, err
	}
	if j.Stage != stage || j.UnitID != unitID {
		return false, model.NewValidationError("job_id", "job %s is not a %s job for %s", jobID, stage, unitID)
	}
	if j.Status != model.JobRunning {
		return false, nil
	}

	status, _, err := unitState(ctx, q, stage, unitID)
	if model.IsNotFound(err) {
		_, err = q.Exec(ctx, `UPDATE stage_jobs SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(model.JobCanceled), "unit no longer exists", jobID)
		return false, eris.Wrap(err, "store: cancel orphaned job")
	}
	if err != nil {
		return false, err
	}
	done := model.StageStatus(status) == model.StageStatusDone
	if stage == model.StageContentClassify {
		done = model.ClassificationStatus(status) == model.ClassificationClassified
	}
	if done {
		return false, finishJob(ctx, q, jobID)
	}
	if model.StageStatus(status) == model.StageStatusFailed || model.ClassificationStatus(status) == model.ClassificationFailed {
		return false, &model.StateConflictError{
			Entity: string(stage.Unit()), ID: unitID, Current: status, Reason: "unit already failed",
		}
	}
	return true, nil
}

func finishJob(ctx context.Context, q db.Querier, jobID string) error {
	_, err := q.Exec(ctx, `UPDATE stage_jobs SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(model.JobSucceeded), jobID)
	return eris.Wrapf(err, "store: finish job %s", jobID)
}

// markUnitDone moves a unit's stage status from PROCESSING to DONE.
func markUnitDone(ctx context.Context, q db.Querier, stage model.Stage, unitID string) error {
	u, err := unitFor(stage)
	if err != nil {
		return err
	}
	n, err := q.Exec(ctx, `UPDATE `+u.table+` SET `+u.status+` = ?`+updatedAt(u.table)+` WHERE id = ? AND `+u.status+` = ?`,
		string(model.StageStatusDone), unitID, string(model.StageStatusProcessing))
	return eris.Wrapf(affectedOne(n, err, changedConflict(string(stage.Unit()), unitID, string(model.StageStatusProcessing))),
		"store: complete %s %s", stage, unitID)
}
