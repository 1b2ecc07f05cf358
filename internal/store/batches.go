package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

const batchColumns = `id, topic, description, content_type_hint, vision_provider, status, created_at, updated_at`

func scanBatch(row db.Row) (*model.Batch, error) {
	var b model.Batch
	err := row.Scan(&b.ID, &b.Topic, &b.Description, &b.ContentTypeHint, &b.VisionProvider,
		&b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBatch inserts a new PENDING batch. Re-using an existing ID is a
// state conflict, so a completed batch can never be re-created.
func (s *SQLStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.Topic == "" {
		return model.NewValidationError("topic", "must not be empty")
	}
	if b.VisionProvider != "" && !b.VisionProvider.Valid() {
		return model.NewValidationError("vision_provider", "unknown provider %q", b.VisionProvider)
	}
	if b.ID == "" {
		b.ID = newID()
	}
	now := s.now()
	b.Status = model.BatchStatusPending
	b.CreatedAt, b.UpdatedAt = now, now

	return s.tx(ctx, func(tx db.Tx) error {
		existing, err := getBatch(ctx, tx, b.ID)
		if err == nil {
			return &model.StateConflictError{
				Entity: "batch", ID: b.ID, Current: string(existing.Status),
				Reason: "batch already exists",
			}
		}
		if !model.IsNotFound(err) {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO batches (`+batchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.Topic, b.Description, string(b.ContentTypeHint), string(b.VisionProvider),
			string(b.Status), b.CreatedAt, b.UpdatedAt)
		return eris.Wrap(err, "store: insert batch")
	})
}

func getBatch(ctx context.Context, q db.Querier, id string) (*model.Batch, error) {
	b, err := scanBatch(q.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("batch", id)
	}
	return b, eris.Wrapf(err, "store: get batch %s", id)
}

func (s *SQLStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	return getBatch(ctx, s.db, id)
}

func (s *SQLStore) ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id` + limitOffset(filter.Limit, filter.Offset, 100)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list batches")
	}
	defer rows.Close()

	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan batch")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate batches")
}

// transitionBatch moves a batch along its lifecycle with a conditional
// update on the status it was read with.
func transitionBatch(ctx context.Context, q db.Querier, b *model.Batch, to model.BatchStatus, at timeNow) error {
	if err := model.BatchLifecycle.Check(b.ID, b.Status, to); err != nil {
		return err
	}
	now := at()
	n, err := q.Exec(ctx, `UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, b.ID, string(b.Status))
	err = affectedOne(n, err, func() error {
		return &model.StateConflictError{Entity: "batch", ID: b.ID, Current: "changed", Expected: string(b.Status)}
	})
	if err != nil {
		return eris.Wrapf(err, "store: transition batch %s", b.ID)
	}
	b.Status, b.UpdatedAt = to, now
	return nil
}

// CompleteBatch marks a classified or reviewed batch COMPLETED.
func (s *SQLStore) CompleteBatch(ctx context.Context, id string) (*model.Batch, error) {
	var out *model.Batch
	err := s.tx(ctx, func(tx db.Tx) error {
		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := transitionBatch(ctx, tx, b, model.BatchStatusCompleted, s.now); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// settleBatchAfterPages derives the batch status from page outcomes once
// every page is terminal.
func settleBatchAfterPages(ctx context.Context, q db.Querier, batchID string, at timeNow) error {
	b, err := getBatch(ctx, q, batchID)
	if err != nil {
		return err
	}
	pages, err := pageCounts(ctx, q, batchID)
	if err != nil {
		return err
	}
	if to, ok := model.BatchStatusAfterPages(b.Status, pages); ok {
		return transitionBatch(ctx, q, b, to, at)
	}
	return nil
}

// settleBatchAfterReview moves a classified batch to REVIEWED once no
// block is left unreviewed.
func settleBatchAfterReview(ctx context.Context, q db.Querier, batchID string, at timeNow) error {
	b, err := getBatch(ctx, q, batchID)
	if err != nil {
		return err
	}
	blocks, err := blockCounts(ctx, q, batchID)
	if err != nil {
		return err
	}
	if to, ok := model.BatchStatusAfterReview(b.Status, blocks); ok {
		return transitionBatch(ctx, q, b, to, at)
	}
	return nil
}

// DeleteBatch cascades a batch and everything it owns. Active jobs of the
// batch are canceled first so a late completion becomes a no-op. It
// returns the file keys the caller must release from file storage.
func (s *SQLStore) DeleteBatch(ctx context.Context, id string) ([]string, error) {
	var keys []string
	err := s.tx(ctx, func(tx db.Tx) error {
		if _, err := getBatch(ctx, tx, id); err != nil {
			return err
		}
		now := s.now()

		var err error
		keys, err = batchFileKeys(ctx, tx, id)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE stage_jobs SET status = ?, last_error = ?, updated_at = ?
			WHERE batch_id = ? AND status IN (?, ?)`,
			string(model.JobCanceled), "batch deleted", now, id,
			string(model.JobQueued), string(model.JobRunning)); err != nil {
			return eris.Wrap(err, "store: cancel batch jobs")
		}

		contentSub := `SELECT id FROM approved_contents WHERE batch_id = ?`
		kpSub := `SELECT id FROM knowledge_points WHERE content_id IN (` + contentSub + `)`
		for _, stmt := range []string{
			`DELETE FROM kp_concepts WHERE kp_id IN (` + kpSub + `)`,
			`DELETE FROM flashcards WHERE content_id IN (` + contentSub + `)`,
			`DELETE FROM questions WHERE content_id IN (` + contentSub + `)`,
			`DELETE FROM knowledge_points WHERE content_id IN (` + contentSub + `)`,
			`DELETE FROM approved_contents WHERE batch_id = ?`,
			`DELETE FROM blocks WHERE batch_id = ?`,
			`DELETE FROM pages WHERE batch_id = ?`,
			`DELETE FROM dead_letter_queue WHERE batch_id = ?`,
			`DELETE FROM batches WHERE id = ?`,
		} {
			if _, err := tx.Exec(ctx, stmt, id); err != nil {
				return eris.Wrapf(err, "store: delete batch %s", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func batchFileKeys(ctx context.Context, q db.Querier, batchID string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT file_key FROM pages WHERE batch_id = ? AND file_key <> ''
		UNION ALL
		SELECT f.visual_file_key FROM flashcards f
		JOIN approved_contents c ON c.id = f.content_id
		WHERE c.batch_id = ? AND f.visual_file_key <> ''`, batchID, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list batch file keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "store: scan file key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
