package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

// batchScope narrows a count query to one batch. An empty id counts
// everything.
func batchScope(batchID string) (string, []any) {
	if batchID == "" {
		return "", nil
	}
	return ` WHERE batch_id = ?`, []any{batchID}
}

func sumWhen(cond string) string {
	return `CAST(COALESCE(SUM(CASE WHEN ` + cond + ` THEN 1 ELSE 0 END), 0) AS BIGINT)`
}

func pageCounts(ctx context.Context, q db.Querier, batchID string) (model.PageCounts, error) {
	var c model.PageCounts
	where, args := batchScope(batchID)
	err := q.QueryRow(ctx, `SELECT CAST(COUNT(*) AS BIGINT), `+
		sumWhen(`ocr_status = 'PENDING'`)+`, `+
		sumWhen(`ocr_status IN ('QUEUED', 'PROCESSING')`)+`, `+
		sumWhen(`ocr_status = 'DONE'`)+`, `+
		sumWhen(`ocr_status = 'FAILED'`)+
		` FROM pages`+where, args...).Scan(&c.Total, &c.Pending, &c.InFlight, &c.Done, &c.Failed)
	return c, eris.Wrap(err, "store: count pages")
}

func blockCounts(ctx context.Context, q db.Querier, batchID string) (model.BlockCounts, error) {
	var c model.BlockCounts
	where, args := batchScope(batchID)
	err := q.QueryRow(ctx, `SELECT CAST(COUNT(*) AS BIGINT), `+
		sumWhen(`classification_status = 'CLASSIFIED'`)+`, `+
		sumWhen(`classification_status = 'FAILED'`)+`, `+
		sumWhen(`review_status = 'UNREVIEWED'`)+`, `+
		sumWhen(`review_status = 'UNREVIEWED' AND classification_status <> 'PENDING'`)+`, `+
		sumWhen(`review_status = 'APPROVED'`)+`, `+
		sumWhen(`review_status = 'REJECTED'`)+
		` FROM blocks`+where, args...).
		Scan(&c.Total, &c.Classified, &c.ClassifyFailed, &c.Unreviewed, &c.ReviewReady, &c.Approved, &c.Rejected)
	return c, eris.Wrap(err, "store: count blocks")
}

func contentCounts(ctx context.Context, q db.Querier, batchID string) (model.ContentCounts, error) {
	var c model.ContentCounts
	where, args := batchScope(batchID)
	err := q.QueryRow(ctx, `SELECT CAST(COUNT(*) AS BIGINT), `+
		sumWhen(`extraction_status = 'PENDING'`)+`, `+
		sumWhen(`extraction_status IN ('QUEUED', 'PROCESSING')`)+`, `+
		sumWhen(`extraction_status = 'DONE'`)+`, `+
		sumWhen(`extraction_status = 'FAILED'`)+`, `+
		sumWhen(`extraction_status = 'DONE' AND flashcard_status = 'PENDING'`)+`, `+
		sumWhen(`extraction_status = 'DONE' AND question_status = 'PENDING'`)+
		` FROM approved_contents`+where, args...).
		Scan(&c.Total, &c.ExtractionPending, &c.ExtractionInFlight, &c.ExtractionDone, &c.ExtractionFailed,
			&c.FlashcardsPending, &c.QuestionsPending)
	return c, eris.Wrap(err, "store: count contents")
}

func flashcardCounts(ctx context.Context, q db.Querier, batchID string) (model.ArtifactCounts, error) {
	var c model.ArtifactCounts
	where, args := batchScope(batchID)
	err := q.QueryRow(ctx, `SELECT CAST(COUNT(*) AS BIGINT), `+
		sumWhen(`approval_status = 'DRAFT'`)+`, `+
		sumWhen(`approval_status = 'APPROVED'`)+`, `+
		sumWhen(`use_visual AND visual_status = 'REQUIRED' AND approval_status <> 'REJECTED'`)+`, `+
		sumWhen(`approval_status = 'APPROVED' AND published_at IS NULL AND (NOT use_visual OR visual_status = 'UPLOADED')`)+`, `+
		sumWhen(`published_at IS NOT NULL`)+
		` FROM flashcards`+where, args...).
		Scan(&c.Total, &c.Draft, &c.Approved, &c.AwaitingVisual, &c.Publishable, &c.Published)
	return c, eris.Wrap(err, "store: count flashcards")
}

func questionCounts(ctx context.Context, q db.Querier, batchID string) (model.ArtifactCounts, error) {
	var c model.ArtifactCounts
	where, args := batchScope(batchID)
	err := q.QueryRow(ctx, `SELECT CAST(COUNT(*) AS BIGINT), `+
		sumWhen(`approval_status = 'DRAFT'`)+`, `+
		sumWhen(`approval_status = 'APPROVED'`)+`, `+
		sumWhen(`approval_status = 'APPROVED' AND published_at IS NULL`)+`, `+
		sumWhen(`published_at IS NOT NULL`)+
		` FROM questions`+where, args...).
		Scan(&c.Total, &c.Draft, &c.Approved, &c.Publishable, &c.Published)
	return c, eris.Wrap(err, "store: count questions")
}

// PipelineCounts reads every entity count stage availability is derived
// from. An empty batch id counts across all batches.
func (s *SQLStore) PipelineCounts(ctx context.Context, batchID string) (model.PipelineCounts, error) {
	var out model.PipelineCounts
	if batchID != "" {
		if _, err := getBatch(ctx, s.db, batchID); err != nil {
			return out, err
		}
	}
	var err error
	if out.Pages, err = pageCounts(ctx, s.db, batchID); err != nil {
		return out, err
	}
	if out.Blocks, err = blockCounts(ctx, s.db, batchID); err != nil {
		return out, err
	}
	if out.Contents, err = contentCounts(ctx, s.db, batchID); err != nil {
		return out, err
	}
	where, args := batchScope(batchID)
	if out.KnowledgePoints, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM knowledge_points`+where, args...); err != nil {
		return out, err
	}
	if out.Flashcards, err = flashcardCounts(ctx, s.db, batchID); err != nil {
		return out, err
	}
	if out.Questions, err = questionCounts(ctx, s.db, batchID); err != nil {
		return out, err
	}
	return out, nil
}

// HealthStats reads the failure, queue and spend figures the monitor
// checks. Spend covers calls recorded on or after spendSince's UTC day.
func (s *SQLStore) HealthStats(ctx context.Context, spendSince time.Time) (*HealthStats, error) {
	out := &HealthStats{Jobs: make(JobStats)}
	var err error

	if out.FailedPages, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM pages WHERE ocr_status = ?`,
		string(model.StageStatusFailed)); err != nil {
		return nil, err
	}
	if out.FailedBlocks, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM blocks WHERE classification_status = ?`,
		string(model.ClassificationFailed)); err != nil {
		return nil, err
	}
	failed := string(model.StageStatusFailed)
	if out.FailedContents, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM approved_contents
		WHERE extraction_status = ? OR flashcard_status = ? OR question_status = ?`, failed, failed, failed); err != nil {
		return nil, err
	}
	if out.DLQDepth, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM dead_letter_queue`); err != nil {
		return nil, err
	}
	if out.PendingHints, err = countOf(ctx, s.db, `SELECT COUNT(*) FROM unresolved_hints WHERE status = ?`,
		string(model.HintPending)); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `SELECT stage, status, CAST(COUNT(*) AS BIGINT) FROM stage_jobs GROUP BY stage, status`)
	if err != nil {
		return nil, eris.Wrap(err, "store: job stats")
	}
	for rows.Next() {
		var (
			stage  model.Stage
			status model.JobStatus
			n      int
		)
		if err := rows.Scan(&stage, &status, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "store: scan job stats")
		}
		if out.Jobs[stage] == nil {
			out.Jobs[stage] = make(map[model.JobStatus]int)
		}
		out.Jobs[stage][status] = n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, eris.Wrap(err, "store: iterate job stats")
	}

	var oldest int64
	if err := s.db.QueryRow(ctx, `SELECT CAST(COALESCE(MIN(run_at), 0) AS BIGINT) FROM stage_jobs WHERE status = ?`,
		string(model.JobQueued)).Scan(&oldest); err != nil {
		return nil, eris.Wrap(err, "store: oldest queued job")
	}
	if oldest != 0 {
		t := fromMillis(oldest)
		out.OldestQueued = &t
	}

	out.Spend, err = s.UsageSummary(ctx, UsageFilter{From: spendSince.UTC().Format(model.DayFormat)})
	if err != nil {
		return nil, err
	}
	return out, nil
}
