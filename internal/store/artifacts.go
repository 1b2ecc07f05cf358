package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

const flashcardColumns = `id, content_id, batch_id, knowledge_point_ids, front, back, use_visual, visual_status,
	visual_file_key, approval_status, published_at, created_at`

func scanFlashcard(row db.Row) (*model.Flashcard, error) {
	var (
		f     model.Flashcard
		kpIDs string
	)
	err := row.Scan(&f.ID, &f.ContentID, &f.BatchID, &kpIDs, &f.Front, &f.Back, &f.UseVisual,
		&f.VisualStatus, &f.VisualFileKey, &f.ApprovalStatus, &f.PublishedAt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(kpIDs, &f.KnowledgePointIDs); err != nil {
		return nil, err
	}
	return &f, nil
}

func insertFlashcard(ctx context.Context, q db.Querier, f *model.Flashcard) error {
	kpIDs, err := marshalJSON(nonNil(f.KnowledgePointIDs))
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO flashcards (`+flashcardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ContentID, f.BatchID, kpIDs, f.Front, f.Back, f.UseVisual, string(f.VisualStatus),
		f.VisualFileKey, string(f.ApprovalStatus), f.PublishedAt, f.CreatedAt)
	return eris.Wrap(err, "store: insert flashcard")
}

func getFlashcard(ctx context.Context, q db.Querier, id string) (*model.Flashcard, error) {
	f, err := scanFlashcard(q.QueryRow(ctx, `SELECT `+flashcardColumns+` FROM flashcards WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("flashcard", id)
	}
	return f, eris.Wrapf(err, "store: get flashcard %s", id)
}

func (s *SQLStore) GetFlashcard(ctx context.Context, id string) (*model.Flashcard, error) {
	return getFlashcard(ctx, s.db, id)
}

func artifactWhere(filter ArtifactFilter) (string, []any) {
	where := ` WHERE 1 = 1`
	var args []any
	if filter.ContentID != "" {
		where += ` AND content_id = ?`
		args = append(args, filter.ContentID)
	}
	if filter.BatchID != "" {
		where += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if filter.ApprovalStatus != "" {
		where += ` AND approval_status = ?`
		args = append(args, string(filter.ApprovalStatus))
	}
	return where, args
}

func (s *SQLStore) ListFlashcards(ctx context.Context, filter ArtifactFilter) ([]model.Flashcard, error) {
	where, args := artifactWhere(filter)
	rows, err := s.db.Query(ctx, `SELECT `+flashcardColumns+` FROM flashcards`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list flashcards")
	}
	defer rows.Close()

	var out []model.Flashcard
	for rows.Next() {
		f, err := scanFlashcard(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan flashcard")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate flashcards")
}

// DecideFlashcard approves or rejects a draft flashcard.
func (s *SQLStore) DecideFlashcard(ctx context.Context, id string, decision model.ApprovalStatus) (*model.Flashcard, error) {
	var out *model.Flashcard
	err := s.tx(ctx, func(tx db.Tx) error {
		f, err := getFlashcard(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := model.ApprovalLifecycle.Check(id, f.ApprovalStatus, decision); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, `UPDATE flashcards SET approval_status = ? WHERE id = ? AND approval_status = ?`,
			string(decision), id, string(f.ApprovalStatus))
		if err := affectedOne(n, err, changedConflict("flashcard", id, string(f.ApprovalStatus))); err != nil {
			return eris.Wrapf(err, "store: decide flashcard %s", id)
		}
		f.ApprovalStatus = decision
		out = f
		return nil
	})
	return out, err
}

// AttachFlashcardVisual records an uploaded visual for a card that uses
// one. Re-uploading replaces the file key.
func (s *SQLStore) AttachFlashcardVisual(ctx context.Context, id, fileKey string) (*model.Flashcard, error) {
	if fileKey == "" {
		return nil, model.NewValidationError("file_key", "must not be empty")
	}
	var out *model.Flashcard
	err := s.tx(ctx, func(tx db.Tx) error {
		f, err := getFlashcard(ctx, tx, id)
		if err != nil {
			return err
		}
		if !f.UseVisual {
			return &model.StateConflictError{
				Entity: "flashcard", ID: id, Current: string(f.VisualStatus),
				Expected: string(model.VisualRequired), Reason: "flashcard does not use a visual",
			}
		}
		if f.PublishedAt != nil {
			return &model.StateConflictError{Entity: "flashcard", ID: id, Current: "PUBLISHED", Reason: "flashcard already published"}
		}
		if _, err := tx.Exec(ctx, `UPDATE flashcards SET visual_status = ?, visual_file_key = ? WHERE id = ?`,
			string(model.VisualUploaded), fileKey, id); err != nil {
			return eris.Wrapf(err, "store: attach visual %s", id)
		}
		f.VisualStatus, f.VisualFileKey = model.VisualUploaded, fileKey
		out = f
		return nil
	})
	return out, err
}

// PublishFlashcard publishes an approved card whose visual, if any, has
// been uploaded. Publishing an already published card returns it unchanged.
func (s *SQLStore) PublishFlashcard(ctx context.Context, id string) (*model.Flashcard, error) {
	var out *model.Flashcard
	err := s.tx(ctx, func(tx db.Tx) error {
		f, err := getFlashcard(ctx, tx, id)
		if err != nil {
			return err
		}
		out = f
		if f.PublishedAt != nil {
			return nil
		}
		if err := f.CanPublish(); err != nil {
			return err
		}
		now := s.now()
		n, err := tx.Exec(ctx, `UPDATE flashcards SET published_at = ? WHERE id = ? AND published_at IS NULL`, now, id)
		if err := affectedOne(n, err, changedConflict("flashcard", id, "unpublished")); err != nil {
			return eris.Wrapf(err, "store: publish flashcard %s", id)
		}
		f.PublishedAt = &now
		return nil
	})
	return out, err
}

const questionColumns = `id, content_id, batch_id, knowledge_point_ids, stem, options, correct_index, explanation,
	approval_status, published_at, created_at`

func scanQuestion(row db.Row) (*model.Question, error) {
	var (
		q       model.Question
		kpIDs   string
		options string
	)
	err := row.Scan(&q.ID, &q.ContentID, &q.BatchID, &kpIDs, &q.Stem, &options, &q.CorrectIndex,
		&q.Explanation, &q.ApprovalStatus, &q.PublishedAt, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(kpIDs, &q.KnowledgePointIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(options, &q.Options); err != nil {
		return nil, err
	}
	return &q, nil
}

func insertQuestion(ctx context.Context, q db.Querier, qu *model.Question) error {
	kpIDs, err := marshalJSON(nonNil(qu.KnowledgePointIDs))
	if err != nil {
		return err
	}
	options, err := marshalJSON(nonNil(qu.Options))
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO questions (`+questionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qu.ID, qu.ContentID, qu.BatchID, kpIDs, qu.Stem, options, qu.CorrectIndex, qu.Explanation,
		string(qu.ApprovalStatus), qu.PublishedAt, qu.CreatedAt)
	return eris.Wrap(err, "store: insert question")
}

func getQuestion(ctx context.Context, q db.Querier, id string) (*model.Question, error) {
	qu, err := scanQuestion(q.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("question", id)
	}
	return qu, eris.Wrapf(err, "store: get question %s", id)
}

func (s *SQLStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	return getQuestion(ctx, s.db, id)
}

func (s *SQLStore) ListQuestions(ctx context.Context, filter ArtifactFilter) ([]model.Question, error) {
	where, args := artifactWhere(filter)
	rows, err := s.db.Query(ctx, `SELECT `+questionColumns+` FROM questions`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list questions")
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan question")
		}
		out = append(out, *q)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate questions")
}

// DecideQuestion approves or rejects a draft question.
func (s *SQLStore) DecideQuestion(ctx context.Context, id string, decision model.ApprovalStatus) (*model.Question, error) {
	var out *model.Question
	err := s.tx(ctx, func(tx db.Tx) error {
		q, err := getQuestion(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := model.ApprovalLifecycle.Check(id, q.ApprovalStatus, decision); err != nil {
			return err
		}
		n, err := tx.Exec(ctx, `UPDATE questions SET approval_status = ? WHERE id = ? AND approval_status = ?`,
			string(decision), id, string(q.ApprovalStatus))
		if err := affectedOne(n, err, changedConflict("question", id, string(q.ApprovalStatus))); err != nil {
			return eris.Wrapf(err, "store: decide question %s", id)
		}
		q.ApprovalStatus = decision
		out = q
		return nil
	})
	return out, err
}

// PublishQuestion publishes an approved question.
func (s *SQLStore) PublishQuestion(ctx context.Context, id string) (*model.Question, error) {
	var out *model.Question
	err := s.tx(ctx, func(tx db.Tx) error {
		q, err := getQuestion(ctx, tx, id)
		if err != nil {
			return err
		}
		out = q
		if q.PublishedAt != nil {
			return nil
		}
		if err := q.CanPublish(); err != nil {
			return err
		}
		now := s.now()
		n, err := tx.Exec(ctx, `UPDATE questions SET published_at = ? WHERE id = ? AND published_at IS NULL`, now, id)
		if err := affectedOne(n, err, changedConflict("question", id, "unpublished")); err != nil {
			return eris.Wrapf(err, "store: publish question %s", id)
		}
		q.PublishedAt = &now
		return nil
	})
	return out, err
}

func changedConflict(entity, id, expected string) func() error {
	return func() error {
		return &model.StateConflictError{Entity: entity, ID: id, Current: "changed", Expected: expected}
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
