package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

const contentColumns = `id, block_id, batch_id, text, category, subtopic_id, approved_by, approved_at, revision,
	extraction_status, extraction_job_id, flashcard_status, flashcard_job_id, question_status, question_job_id`

func scanContent(row db.Row) (*model.ApprovedContent, error) {
	var c model.ApprovedContent
	err := row.Scan(&c.ID, &c.BlockID, &c.BatchID, &c.Text, &c.Category, &c.SubtopicID, &c.ApprovedBy,
		&c.ApprovedAt, &c.Revision, &c.ExtractionStatus, &c.ExtractionJobID, &c.FlashcardStatus,
		&c.FlashcardJobID, &c.QuestionStatus, &c.QuestionJobID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func insertContent(ctx context.Context, q db.Querier, c *model.ApprovedContent, now time.Time) error {
	c.ApprovedAt = now
	c.Revision = 1
	c.ExtractionStatus = model.StageStatusPending
	c.FlashcardStatus = model.StageStatusPending
	c.QuestionStatus = model.StageStatusPending
	c.ExtractionJobID, c.FlashcardJobID, c.QuestionJobID = "", "", ""

	_, err := q.Exec(ctx, `INSERT INTO approved_contents (`+contentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.BlockID, c.BatchID, c.Text, c.Category, c.SubtopicID, c.ApprovedBy, c.ApprovedAt,
		c.Revision, string(c.ExtractionStatus), c.ExtractionJobID, string(c.FlashcardStatus),
		c.FlashcardJobID, string(c.QuestionStatus), c.QuestionJobID)
	if isUniqueViolation(err) {
		return &model.StateConflictError{
			Entity: "block", ID: c.BlockID, Current: string(model.ReviewApproved),
			Reason: "block already has approved content",
		}
	}
	return eris.Wrap(err, "store: insert content")
}

// CreateContent stores manually entered approved text with no source block.
func (s *SQLStore) CreateContent(ctx context.Context, c *model.ApprovedContent) error {
	if c.Text == "" {
		return model.NewValidationError("text", "must not be empty")
	}
	if c.ApprovedBy == "" {
		return model.NewValidationError("approved_by", "must not be empty")
	}
	if c.ID == "" {
		c.ID = newID()
	}
	c.BlockID = ""
	return s.tx(ctx, func(tx db.Tx) error {
		if c.BatchID != "" {
			if _, err := getBatch(ctx, tx, c.BatchID); err != nil {
				return err
			}
		}
		return insertContent(ctx, tx, c, s.now())
	})
}

func getContent(ctx context.Context, q db.Querier, id string) (*model.ApprovedContent, error) {
	c, err := scanContent(q.QueryRow(ctx, `SELECT `+contentColumns+` FROM approved_contents WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("content", id)
	}
	return c, eris.Wrapf(err, "store: get content %s", id)
}

func (s *SQLStore) GetContent(ctx context.Context, id string) (*model.ApprovedContent, error) {
	return getContent(ctx, s.db, id)
}

func (s *SQLStore) ListContents(ctx context.Context, batchID string) ([]model.ApprovedContent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+contentColumns+` FROM approved_contents
		WHERE batch_id = ? ORDER BY approved_at, id`, batchID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list contents")
	}
	defer rows.Close()

	var out []model.ApprovedContent
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan content")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate contents")
}

// ReapproveContent replaces approved text before knowledge has been
// extracted from it. Extraction must be PENDING or FAILED and no job may
// be active. The revision is bumped, every downstream stage resets to
// PENDING and an override row records the change.
func (s *SQLStore) ReapproveContent(ctx context.Context, id, text, actor string) (*model.ApprovedContent, error) {
	if text == "" {
		return nil, model.NewValidationError("text", "must not be empty")
	}
	if actor == "" {
		return nil, model.NewValidationError("actor", "must not be empty")
	}
	var out *model.ApprovedContent
	err := s.tx(ctx, func(tx db.Tx) error {
		c, err := getContent(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.ExtractionStatus != model.StageStatusPending && c.ExtractionStatus != model.StageStatusFailed {
			return &model.StateConflictError{
				Entity: "content", ID: id, Current: string(c.ExtractionStatus),
				Expected: string(model.StageStatusFailed) + "|" + string(model.StageStatusPending),
				Reason:   "knowledge has already been extracted",
			}
		}
		if h, err := activeJobForUnit(ctx, tx, id); err != nil {
			return err
		} else if h != nil {
			return &model.StateConflictError{
				Entity: "content", ID: id, Current: string(h.Stage),
				Reason: "a stage job is active", Handle: h.JobID,
			}
		}

		now := s.now()
		n, err := tx.Exec(ctx, `UPDATE approved_contents SET text = ?, approved_by = ?, approved_at = ?,
			revision = revision + 1, extraction_status = ?, flashcard_status = ?, question_status = ?,
			extraction_job_id = '', flashcard_job_id = '', question_job_id = ''
			WHERE id = ? AND revision = ?`,
			text, actor, now, string(model.StageStatusPending), string(model.StageStatusPending),
			string(model.StageStatusPending), id, c.Revision)
		err = affectedOne(n, err, func() error {
			return &model.StateConflictError{Entity: "content", ID: id, Current: "changed", Reason: "concurrent re-approval"}
		})
		if err != nil {
			return eris.Wrapf(err, "store: reapprove content %s", id)
		}

		if err := insertOverride(ctx, tx, model.StatusOverride{
			Entity: model.UnitContent, EntityID: id, Field: "extraction_status",
			From: string(c.ExtractionStatus), To: string(model.StageStatusPending),
			Actor: actor, Reason: "re-approved content", CreatedAt: now,
		}); err != nil {
			return err
		}

		out, err = getContent(ctx, tx, id)
		return err
	})
	return out, err
}

const kpColumns = `id, content_id, batch_id, text, category, subcategory, subtopic_id, created_at`

// ListKnowledgePoints lists a content's knowledge points with their linked
// concepts.
func (s *SQLStore) ListKnowledgePoints(ctx context.Context, contentID string) ([]model.KnowledgePoint, error) {
	rows, err := s.db.Query(ctx, `SELECT `+kpColumns+` FROM knowledge_points
		WHERE content_id = ? ORDER BY created_at, id`, contentID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list knowledge points")
	}
	var out []model.KnowledgePoint
	index := make(map[string]int)
	for rows.Next() {
		var kp model.KnowledgePoint
		if err := rows.Scan(&kp.ID, &kp.ContentID, &kp.BatchID, &kp.Text, &kp.Category,
			&kp.Subcategory, &kp.SubtopicID, &kp.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "store: scan knowledge point")
		}
		index[kp.ID] = len(out)
		out = append(out, kp)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, eris.Wrap(err, "store: iterate knowledge points")
	}

	links, err := s.db.Query(ctx, `SELECT kc.kp_id, kc.concept_id FROM kp_concepts kc
		JOIN knowledge_points kp ON kp.id = kc.kp_id
		WHERE kp.content_id = ? ORDER BY kc.concept_id`, contentID)
	if err != nil {
		return nil, eris.Wrap(err, "store: list concept links")
	}
	defer links.Close()
	for links.Next() {
		var kpID, conceptID string
		if err := links.Scan(&kpID, &conceptID); err != nil {
			return nil, eris.Wrap(err, "store: scan concept link")
		}
		if i, ok := index[kpID]; ok {
			out[i].ConceptIDs = append(out[i].ConceptIDs, conceptID)
		}
	}
	return out, eris.Wrap(links.Err(), "store: iterate concept links")
}
