package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

const dlqColumns = `id, job_id, stage, unit_id, batch_id, error, error_type, error_kind, attempts, created_at`

func scanDLQ(row db.Row) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	err := row.Scan(&e.ID, &e.JobID, &e.Stage, &e.UnitID, &e.BatchID, &e.Error, &e.ErrorType,
		&e.ErrorKind, &e.Attempts, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func insertDLQ(ctx context.Context, q db.Querier, e *resilience.DLQEntry) error {
	_, err := q.Exec(ctx, `INSERT INTO dead_letter_queue (`+dlqColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.Stage), e.UnitID, e.BatchID, e.Error, e.ErrorType, e.ErrorKind,
		e.Attempts, e.CreatedAt)
	return eris.Wrap(err, "store: insert dlq entry")
}

// ListDLQ lists dead-letter entries, newest first.
func (s *SQLStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letter_queue WHERE 1 = 1`
	var args []any
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at DESC, id` + limitOffset(filter.Limit, 0, 100)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan dlq entry")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate dlq")
}

func getDLQ(ctx context.Context, q db.Querier, id string) (*resilience.DLQEntry, error) {
	e, err := scanDLQ(q.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("dlq entry", id)
	}
	return e, eris.Wrapf(err, "store: get dlq entry %s", id)
}

func (s *SQLStore) GetDLQ(ctx context.Context, id string) (*resilience.DLQEntry, error) {
	return getDLQ(ctx, s.db, id)
}

// Retrigger re-opens a permanently failed unit. In one transaction the
// unit is overridden from FAILED to PENDING with an audit row, the
// dead-letter entry is removed and a fresh job is enqueued with the
// original payload. A page whose batch had failed re-opens the batch too.
func (s *SQLStore) Retrigger(ctx context.Context, dlqID, actor string, maxAttempts int, now time.Time) (model.JobHandle, error) {
	if actor == "" {
		return model.JobHandle{}, model.NewValidationError("actor", "must not be empty")
	}
	var handle model.JobHandle
	err := s.tx(ctx, func(tx db.Tx) error {
		e, err := getDLQ(ctx, tx, dlqID)
		if err != nil {
			return err
		}
		u, err := unitFor(e.Stage)
		if err != nil {
			return err
		}
		status, batchID, err := unitState(ctx, tx, e.Stage, e.UnitID)
		if err != nil {
			return err
		}

		pending := string(model.StageStatusPending)
		if status != string(model.StageStatusFailed) && status != pending {
			return &model.StateConflictError{
				Entity: string(e.Stage.Unit()), ID: e.UnitID, Current: status,
				Expected: string(model.StageStatusFailed), Reason: "only failed units can be re-triggered",
			}
		}
		if status == string(model.StageStatusFailed) {
			if err := overrideStatus(ctx, tx, model.StatusOverride{
				Entity: e.Stage.Unit(), EntityID: e.UnitID, Field: u.status,
				From: status, To: pending, Actor: actor,
				Reason: "re-trigger of dead letter " + dlqID, CreatedAt: s.now(),
			}); err != nil {
				return err
			}
		}

		if e.Stage == model.StageVisionParse && batchID != "" {
			b, err := getBatch(ctx, tx, batchID)
			if err != nil {
				return err
			}
			if b.Status == model.BatchStatusFailed {
				if err := overrideStatus(ctx, tx, model.StatusOverride{
					Entity: model.UnitBatch, EntityID: batchID, Field: "status",
					From: string(model.BatchStatusFailed), To: string(model.BatchStatusProcessing),
					Actor: actor, Reason: "page re-triggered", CreatedAt: s.now(),
				}); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, dlqID); err != nil {
			return eris.Wrap(err, "store: delete dlq entry")
		}

		var payload []byte
		if err := tx.QueryRow(ctx, `SELECT payload FROM stage_jobs WHERE id = ?`, e.JobID).Scan(&payload); err != nil && !db.IsNoRows(err) {
			return eris.Wrap(err, "store: read original payload")
		}

		handle, err = enqueueJob(ctx, tx, &model.StageJob{
			Stage: e.Stage, UnitID: e.UnitID, Payload: payload, MaxAttempts: maxAttempts, RunAt: now,
		}, s.now())
		return err
	})
	return handle, err
}

// overrideFields whitelists the status columns an override may touch.
var overrideFields = map[model.UnitKind]struct {
	table  string
	fields map[string]bool
}{
	model.UnitBatch:   {"batches", map[string]bool{"status": true}},
	model.UnitPage:    {"pages", map[string]bool{"ocr_status": true}},
	model.UnitBlock:   {"blocks", map[string]bool{"classification_status": true, "review_status": true}},
	model.UnitContent: {"approved_contents", map[string]bool{"extraction_status": true, "flashcard_status": true, "question_status": true}},
}

// OverrideStatus is the administrative status change. It is the only path
// that may move an entity backward and always writes an audit row in the
// same transaction.
func (s *SQLStore) OverrideStatus(ctx context.Context, ov model.StatusOverride) error {
	if ov.Actor == "" {
		return model.NewValidationError("actor", "must not be empty")
	}
	if ov.CreatedAt.IsZero() {
		ov.CreatedAt = s.now()
	}
	if err := validateOverride(ov); err != nil {
		return err
	}
	return s.tx(ctx, func(tx db.Tx) error {
		if ov.Entity != model.UnitBatch {
			if h, err := activeJobForUnit(ctx, tx, ov.EntityID); err != nil {
				return err
			} else if h != nil {
				return &model.StateConflictError{
					Entity: string(ov.Entity), ID: ov.EntityID, Current: ov.From,
					Reason: "a stage job is active", Handle: h.JobID,
				}
			}
		}
		return overrideStatus(ctx, tx, ov)
	})
}

func validateOverride(ov model.StatusOverride) error {
	target, ok := overrideFields[ov.Entity]
	if !ok || !target.fields[ov.Field] {
		return model.NewValidationError("field", "%s.%s cannot be overridden", ov.Entity, ov.Field)
	}
	if ov.To == "" {
		return model.NewValidationError("to", "must not be empty")
	}
	return nil
}

func overrideStatus(ctx context.Context, q db.Querier, ov model.StatusOverride) error {
	if err := validateOverride(ov); err != nil {
		return err
	}
	target := overrideFields[ov.Entity]

	var current string
	err := q.QueryRow(ctx, `SELECT `+ov.Field+` FROM `+target.table+` WHERE id = ?`, ov.EntityID).Scan(&current)
	if db.IsNoRows(err) {
		return model.NewNotFound(string(ov.Entity), ov.EntityID)
	}
	if err != nil {
		return eris.Wrap(err, "store: read override target")
	}
	if ov.From == "" {
		ov.From = current
	}
	if current != ov.From {
		return &model.StateConflictError{
			Entity: string(ov.Entity), ID: ov.EntityID, Current: current, Expected: ov.From,
			Reason: "status changed before override",
		}
	}

	n, err := q.Exec(ctx, `UPDATE `+target.table+` SET `+ov.Field+` = ?`+updatedAt(target.table)+` WHERE id = ? AND `+ov.Field+` = ?`,
		ov.To, ov.EntityID, ov.From)
	if err := affectedOne(n, err, changedConflict(string(ov.Entity), ov.EntityID, ov.From)); err != nil {
		return eris.Wrap(err, "store: apply override")
	}
	return insertOverride(ctx, q, ov)
}

const overrideColumns = `id, entity, entity_id, field, from_state, to_state, actor, reason, created_at`

func insertOverride(ctx context.Context, q db.Querier, ov model.StatusOverride) error {
	if ov.ID == "" {
		ov.ID = newID()
	}
	_, err := q.Exec(ctx, `INSERT INTO status_overrides (`+overrideColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ov.ID, string(ov.Entity), ov.EntityID, ov.Field, ov.From, ov.To, ov.Actor, ov.Reason, ov.CreatedAt)
	return eris.Wrap(err, "store: insert override")
}

// ListOverrides returns the audit trail of one entity, oldest first.
func (s *SQLStore) ListOverrides(ctx context.Context, entityID string) ([]model.StatusOverride, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+` FROM status_overrides
		WHERE entity_id = ? ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list overrides")
	}
	defer rows.Close()

	var out []model.StatusOverride
	for rows.Next() {
		var ov model.StatusOverride
		if err := rows.Scan(&ov.ID, &ov.Entity, &ov.EntityID, &ov.Field, &ov.From, &ov.To,
			&ov.Actor, &ov.Reason, &ov.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan override")
		}
		out = append(out, ov)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate overrides")
}
