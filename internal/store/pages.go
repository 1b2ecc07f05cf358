package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

const pageColumns = `id, batch_id, page_number, file_key, media_type, ocr_status, ocr_job_id, error, created_at, updated_at`

func scanPage(row db.Row) (*model.Page, error) {
	var p model.Page
	err := row.Scan(&p.ID, &p.BatchID, &p.PageNumber, &p.FileKey, &p.MediaType,
		&p.OCRStatus, &p.OCRJobID, &p.Error, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddPage records an uploaded page. The first page moves its batch from
// PENDING to PROCESSING in the same transaction.
func (s *SQLStore) AddPage(ctx context.Context, p *model.Page) error {
	if p.BatchID == "" {
		return model.NewValidationError("batch_id", "must not be empty")
	}
	if p.FileKey == "" {
		return model.NewValidationError("file_key", "must not be empty")
	}
	if p.PageNumber <= 0 {
		return model.NewValidationError("page_number", "must be positive")
	}
	if p.ID == "" {
		p.ID = newID()
	}
	if p.MediaType == "" {
		p.MediaType = "image/png"
	}
	now := s.now()
	p.OCRStatus = model.StageStatusPending
	p.OCRJobID, p.Error = "", ""
	p.CreatedAt, p.UpdatedAt = now, now

	return s.tx(ctx, func(tx db.Tx) error {
		b, err := getBatch(ctx, tx, p.BatchID)
		if err != nil {
			return err
		}
		switch b.Status {
		case model.BatchStatusPending:
			if err := transitionBatch(ctx, tx, b, model.BatchStatusProcessing, s.now); err != nil {
				return err
			}
		case model.BatchStatusProcessing:
		default:
			return &model.StateConflictError{
				Entity: "batch", ID: b.ID, Current: string(b.Status),
				Expected: string(model.BatchStatusPending) + "|" + string(model.BatchStatusProcessing),
				Reason:   "pages can only be added before classification settles",
			}
		}

		_, err = tx.Exec(ctx, `INSERT INTO pages (`+pageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.BatchID, p.PageNumber, p.FileKey, p.MediaType, string(p.OCRStatus),
			p.OCRJobID, p.Error, p.CreatedAt, p.UpdatedAt)
		if isUniqueViolation(err) {
			return &model.StateConflictError{
				Entity: "page", ID: p.ID, Current: "exists",
				Reason: "page number already used in batch",
			}
		}
		return eris.Wrap(err, "store: insert page")
	})
}

func getPage(ctx context.Context, q db.Querier, id string) (*model.Page, error) {
	p, err := scanPage(q.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("page", id)
	}
	return p, eris.Wrapf(err, "store: get page %s", id)
}

func (s *SQLStore) GetPage(ctx context.Context, id string) (*model.Page, error) {
	return getPage(ctx, s.db, id)
}

// ListPages lists a batch's pages in page order, optionally by OCR status.
func (s *SQLStore) ListPages(ctx context.Context, batchID string, status model.StageStatus) ([]model.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE batch_id = ?`
	args := []any{batchID}
	if status != "" {
		query += ` AND ocr_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY page_number`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pages")
	}
	defer rows.Close()

	var out []model.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan page")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate pages")
}
