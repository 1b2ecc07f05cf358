package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

const blockColumns = `id, page_id, batch_id, position, text, table_data, block_type, classification_status,
	classify_job_id, suggestion, subtopic_id, review_status, created_at, updated_at`

func scanBlock(row db.Row) (*model.Block, error) {
	var (
		b          model.Block
		tableData  string
		suggestion string
	)
	err := row.Scan(&b.ID, &b.PageID, &b.BatchID, &b.Position, &b.Text, &tableData, &b.BlockType,
		&b.ClassificationStatus, &b.ClassifyJobID, &suggestion, &b.SubtopicID, &b.ReviewStatus,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tableData, &b.TableData); err != nil {
		return nil, err
	}
	if suggestion != "" {
		b.Suggestion = &model.Suggestion{}
		if err := unmarshalJSON(suggestion, b.Suggestion); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func insertBlock(ctx context.Context, q db.Querier, b *model.Block) error {
	var tableData string
	if len(b.TableData) > 0 {
		var err error
		if tableData, err = marshalJSON(b.TableData); err != nil {
			return err
		}
	}
	_, err := q.Exec(ctx, `INSERT INTO blocks (`+blockColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.PageID, b.BatchID, b.Position, b.Text, tableData, string(b.BlockType),
		string(b.ClassificationStatus), b.ClassifyJobID, "", b.SubtopicID, string(b.ReviewStatus),
		b.CreatedAt, b.UpdatedAt)
	return eris.Wrap(err, "store: insert block")
}

func getBlock(ctx context.Context, q db.Querier, id string) (*model.Block, error) {
	b, err := scanBlock(q.QueryRow(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id))
	if db.IsNoRows(err) {
		return nil, model.NewNotFound("block", id)
	}
	return b, eris.Wrapf(err, "store: get block %s", id)
}

func (s *SQLStore) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	return getBlock(ctx, s.db, id)
}

// ListBlocks lists a batch's blocks in page and position order.
func (s *SQLStore) ListBlocks(ctx context.Context, batchID string, filter BlockFilter) ([]model.Block, error) {
	query := `SELECT ` + prefixColumns("b", blockColumns) + ` FROM blocks b
		JOIN pages p ON p.id = b.page_id
		WHERE b.batch_id = ?`
	args := []any{batchID}
	if filter.ReviewStatus != "" {
		query += ` AND b.review_status = ?`
		args = append(args, string(filter.ReviewStatus))
	}
	if filter.ClassificationStatus != "" {
		query += ` AND b.classification_status = ?`
		args = append(args, string(filter.ClassificationStatus))
	}
	query += ` ORDER BY p.page_number, b.position`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list blocks")
	}
	defer rows.Close()

	var out []model.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan block")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "store: iterate blocks")
}

func reviewBlock(ctx context.Context, q db.Querier, b *model.Block, to model.ReviewStatus, at timeNow) error {
	if b.ClassificationStatus == model.ClassificationPending {
		return &model.StateConflictError{
			Entity: "block", ID: b.ID, Current: string(b.ClassificationStatus),
			Expected: string(model.ClassificationClassified) + "|" + string(model.ClassificationFailed),
			Reason:   "block has not been classified",
		}
	}
	if err := model.ReviewLifecycle.Check(b.ID, b.ReviewStatus, to); err != nil {
		return err
	}
	now := at()
	n, err := q.Exec(ctx, `UPDATE blocks SET review_status = ?, updated_at = ? WHERE id = ? AND review_status = ?`,
		string(to), now, b.ID, string(b.ReviewStatus))
	err = affectedOne(n, err, func() error {
		return &model.StateConflictError{Entity: "block", ID: b.ID, Current: "changed", Expected: string(b.ReviewStatus)}
	})
	if err != nil {
		return eris.Wrapf(err, "store: review block %s", b.ID)
	}
	b.ReviewStatus, b.UpdatedAt = to, now
	return nil
}

// ApproveBlock records a human approval and creates the approved content
// that knowledge extraction runs on.
func (s *SQLStore) ApproveBlock(ctx context.Context, blockID string, in ApproveInput) (*model.ApprovedContent, error) {
	if in.Actor == "" {
		return nil, model.NewValidationError("actor", "must not be empty")
	}
	var out *model.ApprovedContent
	err := s.tx(ctx, func(tx db.Tx) error {
		b, err := getBlock(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if err := reviewBlock(ctx, tx, b, model.ReviewApproved, s.now); err != nil {
			return err
		}

		c := &model.ApprovedContent{
			ID:         newID(),
			BlockID:    b.ID,
			BatchID:    b.BatchID,
			Text:       in.Text,
			Category:   in.Category,
			SubtopicID: in.SubtopicID,
			ApprovedBy: in.Actor,
		}
		if c.Text == "" {
			c.Text = blockText(b)
		}
		if c.Category == "" && b.Suggestion != nil {
			c.Category = b.Suggestion.ContentType
		}
		if c.SubtopicID == "" {
			c.SubtopicID = b.SubtopicID
		}
		if err := insertContent(ctx, tx, c, s.now()); err != nil {
			return err
		}
		out = c
		return settleBatchAfterReview(ctx, tx, b.BatchID, s.now)
	})
	return out, err
}

// RejectBlock records a human rejection. A rejected block may later be
// approved.
func (s *SQLStore) RejectBlock(ctx context.Context, blockID, actor string) (*model.Block, error) {
	if actor == "" {
		return nil, model.NewValidationError("actor", "must not be empty")
	}
	var out *model.Block
	err := s.tx(ctx, func(tx db.Tx) error {
		b, err := getBlock(ctx, tx, blockID)
		if err != nil {
			return err
		}
		if err := reviewBlock(ctx, tx, b, model.ReviewRejected, s.now); err != nil {
			return err
		}
		out = b
		return settleBatchAfterReview(ctx, tx, b.BatchID, s.now)
	})
	return out, err
}

// blockText renders a block for extraction. Table rows become pipe-joined
// lines after any free text.
func blockText(b *model.Block) string {
	lines := make([]string, 0, len(b.TableData)+1)
	if b.Text != "" {
		lines = append(lines, b.Text)
	}
	for _, row := range b.TableData {
		lines = append(lines, strings.Join(row, " | "))
	}
	return strings.Join(lines, "\n")
}
