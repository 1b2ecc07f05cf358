package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
)

// CompletePageVision writes the parsed blocks of a page, marks the page
// DONE, finishes the job and settles the batch, all in one transaction.
// A redelivered job finds the page DONE and writes nothing.
func (s *SQLStore) CompletePageVision(ctx context.Context, jobID, pageID string, parsed []model.ParsedBlock) ([]model.Block, error) {
	var out []model.Block
	err := s.tx(ctx, func(tx db.Tx) error {
		proceed, err := beginCompletion(ctx, tx, jobID, model.StageVisionParse, pageID)
		if err != nil || !proceed {
			return err
		}
		p, err := getPage(ctx, tx, pageID)
		if err != nil {
			return err
		}

		now := s.now()
		for i, pb := range parsed {
			b := model.Block{
				ID:                   newID(),
				PageID:               p.ID,
				BatchID:              p.BatchID,
				Position:             i,
				Text:                 pb.Text,
				TableData:            pb.TableData,
				BlockType:            model.DetectBlockType(pb.Text, pb.TableData),
				ClassificationStatus: model.ClassificationPending,
				ReviewStatus:         model.ReviewUnreviewed,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := insertBlock(ctx, tx, &b); err != nil {
				return err
			}
			out = append(out, b)
		}

		if err := markUnitDone(ctx, tx, model.StageVisionParse, pageID); err != nil {
			return err
		}
		if err := finishJob(ctx, tx, jobID); err != nil {
			return err
		}
		return settleBatchAfterPages(ctx, tx, p.BatchID, s.now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteClassification stores the AI suggestion on a block and flips it
// to CLASSIFIED once. The suggested subtopic is created or reused under the
// suggested topic (or the batch topic) and the block is linked to it. A
// block that is already classified is returned unchanged.
func (s *SQLStore) CompleteClassification(ctx context.Context, jobID, blockID string, sug model.Suggestion) (*model.Block, error) {
	var out *model.Block
	err := s.tx(ctx, func(tx db.Tx) error {
		proceed, err := beginCompletion(ctx, tx, jobID, model.StageContentClassify, blockID)
		if err != nil {
			return err
		}
		b, err := getBlock(ctx, tx, blockID)
		if err != nil {
			if model.IsNotFound(err) {
				return nil
			}
			return err
		}
		out = b
		if !proceed {
			return nil
		}
		if err := model.ClassificationLifecycle.Check(blockID, b.ClassificationStatus, model.ClassificationClassified); err != nil {
			return err
		}

		sug.Confidence = model.Clamp01(sug.Confidence)
		subtopicID := b.SubtopicID
		if sug.Subtopic != "" {
			topic := sug.Topic
			if topic == "" {
				batch, err := getBatch(ctx, tx, b.BatchID)
				if err != nil {
					return err
				}
				topic = batch.Topic
			}
			st, err := ensureSubtopic(ctx, tx, topic, sug.Subtopic, s.now())
			if err != nil {
				return err
			}
			subtopicID = st.ID
		}

		raw, err := marshalJSON(sug)
		if err != nil {
			return err
		}
		now := s.now()
		n, err := tx.Exec(ctx, `UPDATE blocks SET classification_status = ?, suggestion = ?, subtopic_id = ?, updated_at = ?
			WHERE id = ? AND classification_status = ?`,
			string(model.ClassificationClassified), raw, subtopicID, now, blockID, string(model.ClassificationPending))
		if err := affectedOne(n, err, changedConflict("block", blockID, string(model.ClassificationPending))); err != nil {
			return eris.Wrapf(err, "store: classify block %s", blockID)
		}
		if err := finishJob(ctx, tx, jobID); err != nil {
			return err
		}

		b.ClassificationStatus = model.ClassificationClassified
		b.Suggestion = &sug
		b.SubtopicID = subtopicID
		b.UpdatedAt = now
		return nil
	})
	return out, err
}

// CompleteExtraction writes knowledge points, their concept links and the
// unresolved mentions as hint occurrences, then marks extraction DONE and
// finishes the job. Hint counters move exactly once per completed job
// because redelivery finds extraction DONE and writes nothing.
func (s *SQLStore) CompleteExtraction(ctx context.Context, res ExtractionResult) ([]model.KnowledgePoint, error) {
	var out []model.KnowledgePoint
	err := s.tx(ctx, func(tx db.Tx) error {
		proceed, err := beginCompletion(ctx, tx, res.JobID, model.StageKnowledgeExtraction, res.ContentID)
		if err != nil || !proceed {
			return err
		}
		c, err := getContent(ctx, tx, res.ContentID)
		if err != nil {
			return err
		}
		pageID, err := contentPageID(ctx, tx, c)
		if err != nil {
			return err
		}

		now := s.now()
		for _, ep := range res.Points {
			kp := model.KnowledgePoint{
				ID:          newID(),
				ContentID:   c.ID,
				BatchID:     c.BatchID,
				Text:        ep.Text,
				Category:    ep.Category,
				Subcategory: ep.Subcategory,
				SubtopicID:  c.SubtopicID,
				CreatedAt:   now,
			}
			if _, err := tx.Exec(ctx, `INSERT INTO knowledge_points (`+kpColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				kp.ID, kp.ContentID, kp.BatchID, kp.Text, kp.Category, kp.Subcategory, kp.SubtopicID, kp.CreatedAt); err != nil {
				return eris.Wrap(err, "store: insert knowledge point")
			}

			seen := make(map[string]bool, len(ep.ConceptIDs))
			for _, conceptID := range ep.ConceptIDs {
				if seen[conceptID] {
					continue
				}
				seen[conceptID] = true
				if _, err := tx.Exec(ctx, `INSERT INTO kp_concepts (kp_id, concept_id) VALUES (?, ?)`, kp.ID, conceptID); err != nil {
					return eris.Wrapf(err, "store: link concept %s", conceptID)
				}
				kp.ConceptIDs = append(kp.ConceptIDs, conceptID)
			}

			for _, h := range ep.Hints {
				if err := upsertHint(ctx, tx, h, model.HintSource{BatchID: c.BatchID, PageID: pageID}, now); err != nil {
					return err
				}
			}
			out = append(out, kp)
		}

		if err := markUnitDone(ctx, tx, model.StageKnowledgeExtraction, c.ID); err != nil {
			return err
		}
		return finishJob(ctx, tx, res.JobID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func contentPageID(ctx context.Context, q db.Querier, c *model.ApprovedContent) (string, error) {
	if c.BlockID == "" {
		return "", nil
	}
	var pageID string
	err := q.QueryRow(ctx, `SELECT page_id FROM blocks WHERE id = ?`, c.BlockID).Scan(&pageID)
	if db.IsNoRows(err) {
		return "", nil
	}
	return pageID, eris.Wrap(err, "store: read content page")
}

// CompleteFlashcards stores generated flashcards as drafts. Cards that use
// a visual start with the visual REQUIRED.
func (s *SQLStore) CompleteFlashcards(ctx context.Context, jobID, contentID string, cards []model.Flashcard) ([]model.Flashcard, error) {
	var out []model.Flashcard
	err := s.tx(ctx, func(tx db.Tx) error {
		proceed, err := beginCompletion(ctx, tx, jobID, model.StageFlashcardGeneration, contentID)
		if err != nil || !proceed {
			return err
		}
		c, err := getContent(ctx, tx, contentID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, f := range cards {
			if f.Front == "" || f.Back == "" {
				return model.NewValidationError("flashcard", "front and back must not be empty")
			}
			f.ID = newID()
			f.ContentID = c.ID
			f.BatchID = c.BatchID
			f.ApprovalStatus = model.ApprovalDraft
			f.VisualStatus = model.VisualNotRequired
			if f.UseVisual {
				f.VisualStatus = model.VisualRequired
			}
			f.VisualFileKey = ""
			f.PublishedAt = nil
			f.CreatedAt = now
			if err := insertFlashcard(ctx, tx, &f); err != nil {
				return err
			}
			out = append(out, f)
		}
		if err := markUnitDone(ctx, tx, model.StageFlashcardGeneration, contentID); err != nil {
			return err
		}
		return finishJob(ctx, tx, jobID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteQuestions stores generated questions as drafts.
func (s *SQLStore) CompleteQuestions(ctx context.Context, jobID, contentID string, qs []model.Question) ([]model.Question, error) {
	var out []model.Question
	err := s.tx(ctx, func(tx db.Tx) error {
		proceed, err := beginCompletion(ctx, tx, jobID, model.StageQuestionGeneration, contentID)
		if err != nil || !proceed {
			return err
		}
		c, err := getContent(ctx, tx, contentID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, q := range qs {
			if err := q.Validate(); err != nil {
				return err
			}
			q.ID = newID()
			q.ContentID = c.ID
			q.BatchID = c.BatchID
			q.ApprovalStatus = model.ApprovalDraft
			q.PublishedAt = nil
			q.CreatedAt = now
			if err := insertQuestion(ctx, tx, &q); err != nil {
				return err
			}
			out = append(out, q)
		}
		if err := markUnitDone(ctx, tx, model.StageQuestionGeneration, contentID); err != nil {
			return err
		}
		return finishJob(ctx, tx, jobID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
