package pipeline

import (
	"context"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/resolve"
	"github.com/sells-group/studyforge/internal/store"
)

// VisionParse turns a page image into blocks. The batch's vision provider,
// when set, overrides the task route; a job payload overrides both.
func (p *Pipeline) VisionParse(ctx context.Context, job *model.StageJob) error {
	page, err := p.store.GetPage(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if page.OCRStatus == model.StageStatusDone {
		_, err := p.store.CompletePageVision(ctx, job.ID, page.ID, nil)
		return err
	}
	batch, err := p.store.GetBatch(ctx, page.BatchID)
	if err != nil {
		return err
	}

	ov, err := override(job)
	if err != nil {
		return err
	}
	if ov == nil && batch.VisionProvider != "" {
		ov = &ai.Override{Provider: batch.VisionProvider}
	}

	img, err := p.files.Get(ctx, page.FileKey)
	if model.IsNotFound(err) {
		return resilience.NewTerminalError(eris.Errorf("pipeline: image %s of page %s is missing", page.FileKey, page.ID), resilience.KindRejected)
	}
	if err != nil {
		return eris.Wrapf(err, "pipeline: load image of page %s", page.ID)
	}

	resp, err := p.router.Call(ctx, ai.Request{
		Task:     model.TaskVisionParse,
		System:   visionSystem,
		Prompt:   visionPrompt(batch, page),
		Images:   []ai.Image{{MediaType: mediaType(page), Data: img}},
		Override: ov,
		BatchID:  batch.ID,
		PageID:   page.ID,
	})
	if err != nil {
		return err
	}

	var out struct {
		Blocks []model.ParsedBlock `json:"blocks"`
	}
	if err := decodeResponse(model.TaskVisionParse, resp.Text, &out); err != nil {
		return err
	}
	blocks := make([]model.ParsedBlock, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		b.Text = strings.TrimSpace(b.Text)
		if b.Text == "" && len(b.TableData) == 0 {
			continue
		}
		blocks = append(blocks, b)
	}

	saved, err := p.store.CompletePageVision(ctx, job.ID, page.ID, blocks)
	if err != nil {
		return err
	}
	p.log.Info("page parsed",
		zap.String("page_id", page.ID),
		zap.String("batch_id", batch.ID),
		zap.String("provider", string(resp.Provider)),
		zap.Int("blocks", len(saved)),
	)
	ids := make([]string, 0, len(saved))
	for _, b := range saved {
		ids = append(ids, b.ID)
	}
	p.advance(ctx, model.StageContentClassify, ids...)
	return nil
}

// Classify suggests where a block belongs in the curriculum. A block that
// is already classified keeps its stored suggestion.
func (p *Pipeline) Classify(ctx context.Context, job *model.StageJob) error {
	blk, err := p.store.GetBlock(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if blk.ClassificationStatus == model.ClassificationClassified {
		_, err := p.store.CompleteClassification(ctx, job.ID, blk.ID, model.Suggestion{})
		return err
	}
	batch, err := p.store.GetBatch(ctx, blk.BatchID)
	if err != nil {
		return err
	}
	ov, err := override(job)
	if err != nil {
		return err
	}

	resp, err := p.router.Call(ctx, ai.Request{
		Task:     model.TaskContentClassify,
		System:   classifySystem,
		Prompt:   classifyPrompt(batch, blk),
		Override: ov,
		BatchID:  batch.ID,
		PageID:   blk.PageID,
	})
	if err != nil {
		return err
	}

	var sug model.Suggestion
	if err := decodeResponse(model.TaskContentClassify, resp.Text, &sug); err != nil {
		return err
	}
	sug.ContentType = strings.ToUpper(strings.TrimSpace(sug.ContentType))
	if sug.Topic == "" {
		sug.Topic = batch.Topic
	}

	if _, err := p.store.CompleteClassification(ctx, job.ID, blk.ID, sug); err != nil {
		return err
	}
	p.log.Info("block classified",
		zap.String("block_id", blk.ID),
		zap.String("subtopic", sug.Subtopic),
		zap.Float64("confidence", sug.Confidence),
	)
	return nil
}

type extractedConcept struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type extractedPoint struct {
	Text        string             `json:"text"`
	Category    string             `json:"category"`
	Subcategory string             `json:"subcategory"`
	Concepts    []extractedConcept `json:"concepts"`
}

// ExtractKnowledge splits approved content into knowledge points and
// resolves their concept mentions. Matching is read-only; hint occurrences
// are written in the completion transaction so they count once per job.
func (p *Pipeline) ExtractKnowledge(ctx context.Context, job *model.StageJob) error {
	c, err := p.store.GetContent(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if c.ExtractionStatus == model.StageStatusDone {
		_, err := p.store.CompleteExtraction(ctx, store.ExtractionResult{JobID: job.ID, ContentID: c.ID})
		return err
	}
	ov, err := override(job)
	if err != nil {
		return err
	}

	resp, err := p.router.Call(ctx, ai.Request{
		Task:     model.TaskKnowledgeExtraction,
		System:   extractionSystem,
		Prompt:   extractionPrompt(c),
		Override: ov,
		BatchID:  c.BatchID,
	})
	if err != nil {
		return err
	}

	var out struct {
		Points []extractedPoint `json:"points"`
	}
	if err := decodeResponse(model.TaskKnowledgeExtraction, resp.Text, &out); err != nil {
		return err
	}

	matcher, err := p.resolver.Matcher(ctx)
	if err != nil {
		return eris.Wrap(err, "pipeline: load concept aliases")
	}

	res := store.ExtractionResult{JobID: job.ID, ContentID: c.ID}
	var hints int
	for _, ep := range out.Points {
		text := strings.TrimSpace(ep.Text)
		if text == "" {
			continue
		}
		mentions := make([]resolve.Mention, 0, len(ep.Concepts))
		for _, ec := range ep.Concepts {
			if strings.TrimSpace(ec.Text) == "" {
				continue
			}
			m := resolve.Mention{Text: ec.Text}
			if t := model.ConceptType(strings.ToUpper(ec.Type)); t.Valid() {
				m.Type = t
			}
			mentions = append(mentions, m)
		}
		ids, hs := resolve.Split(matcher.MatchAll(mentions))
		hints += len(hs)
		res.Points = append(res.Points, store.ExtractedPoint{
			Text:        text,
			Category:    ep.Category,
			Subcategory: ep.Subcategory,
			ConceptIDs:  ids,
			Hints:       hs,
		})
	}
	if len(res.Points) == 0 {
		return malformed(model.TaskKnowledgeExtraction, "no knowledge points in response")
	}

	if _, err := p.store.CompleteExtraction(ctx, res); err != nil {
		return err
	}
	p.log.Info("knowledge extracted",
		zap.String("content_id", c.ID),
		zap.Int("points", len(res.Points)),
		zap.Int("hints", hints),
	)
	p.advance(ctx, model.StageFlashcardGeneration, c.ID)
	p.advance(ctx, model.StageQuestionGeneration, c.ID)
	return nil
}

// GenerateFlashcards writes draft flashcards from the content's knowledge
// points.
func (p *Pipeline) GenerateFlashcards(ctx context.Context, job *model.StageJob) error {
	c, err := p.store.GetContent(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if c.FlashcardStatus == model.StageStatusDone {
		_, err := p.store.CompleteFlashcards(ctx, job.ID, c.ID, nil)
		return err
	}
	kps, err := p.store.ListKnowledgePoints(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(kps) == 0 {
		_, err := p.store.CompleteFlashcards(ctx, job.ID, c.ID, nil)
		return err
	}
	ov, err := override(job)
	if err != nil {
		return err
	}

	resp, err := p.router.Call(ctx, ai.Request{
		Task:     model.TaskFlashcardGeneration,
		System:   flashcardSystem,
		Prompt:   pointsPrompt(c, kps),
		Override: ov,
		BatchID:  c.BatchID,
	})
	if err != nil {
		return err
	}

	var out struct {
		Flashcards []struct {
			Front     string `json:"front"`
			Back      string `json:"back"`
			Points    []int  `json:"points"`
			UseVisual bool   `json:"use_visual"`
		} `json:"flashcards"`
	}
	if err := decodeResponse(model.TaskFlashcardGeneration, resp.Text, &out); err != nil {
		return err
	}

	cards := make([]model.Flashcard, 0, len(out.Flashcards))
	for _, f := range out.Flashcards {
		front, back := strings.TrimSpace(f.Front), strings.TrimSpace(f.Back)
		if front == "" || back == "" {
			continue
		}
		cards = append(cards, model.Flashcard{
			Front:             front,
			Back:              back,
			UseVisual:         f.UseVisual,
			KnowledgePointIDs: pointIDs(kps, f.Points),
		})
	}
	if len(cards) == 0 {
		return malformed(model.TaskFlashcardGeneration, "no usable flashcards in response")
	}

	if _, err := p.store.CompleteFlashcards(ctx, job.ID, c.ID, cards); err != nil {
		return err
	}
	p.log.Info("flashcards generated", zap.String("content_id", c.ID), zap.Int("cards", len(cards)))
	return nil
}

// GenerateQuestions writes draft exam questions from the content's
// knowledge points.
func (p *Pipeline) GenerateQuestions(ctx context.Context, job *model.StageJob) error {
	c, err := p.store.GetContent(ctx, job.UnitID)
	if err != nil {
		return err
	}
	if c.QuestionStatus == model.StageStatusDone {
		_, err := p.store.CompleteQuestions(ctx, job.ID, c.ID, nil)
		return err
	}
	kps, err := p.store.ListKnowledgePoints(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(kps) == 0 {
		_, err := p.store.CompleteQuestions(ctx, job.ID, c.ID, nil)
		return err
	}
	ov, err := override(job)
	if err != nil {
		return err
	}

	resp, err := p.router.Call(ctx, ai.Request{
		Task:     model.TaskQuestionGeneration,
		System:   questionSystem,
		Prompt:   pointsPrompt(c, kps),
		Override: ov,
		BatchID:  c.BatchID,
	})
	if err != nil {
		return err
	}

	var out struct {
		Questions []struct {
			Stem         string   `json:"stem"`
			Options      []string `json:"options"`
			CorrectIndex int      `json:"correct_index"`
			Explanation  string   `json:"explanation"`
			Points       []int    `json:"points"`
		} `json:"questions"`
	}
	if err := decodeResponse(model.TaskQuestionGeneration, resp.Text, &out); err != nil {
		return err
	}

	qs := make([]model.Question, 0, len(out.Questions))
	for i, q := range out.Questions {
		mq := model.Question{
			Stem:              strings.TrimSpace(q.Stem),
			Options:           q.Options,
			CorrectIndex:      q.CorrectIndex,
			Explanation:       strings.TrimSpace(q.Explanation),
			KnowledgePointIDs: pointIDs(kps, q.Points),
		}
		if err := mq.Validate(); err != nil {
			return malformed(model.TaskQuestionGeneration, "question %d: %v", i+1, err)
		}
		qs = append(qs, mq)
	}
	if len(qs) == 0 {
		return malformed(model.TaskQuestionGeneration, "no questions in response")
	}

	if _, err := p.store.CompleteQuestions(ctx, job.ID, c.ID, qs); err != nil {
		return err
	}
	p.log.Info("questions generated", zap.String("content_id", c.ID), zap.Int("questions", len(qs)))
	return nil
}

// pointIDs maps 1-based point numbers to knowledge point IDs, dropping
// numbers out of range and duplicates.
func pointIDs(kps []model.KnowledgePoint, nums []int) []string {
	seen := make(map[int]bool, len(nums))
	out := make([]string, 0, len(nums))
	for _, n := range nums {
		if n < 1 || n > len(kps) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, kps[n-1].ID)
	}
	return out
}

// mediaType falls back to the file extension when the upload carried no
// content type.
func mediaType(p *model.Page) string {
	if p.MediaType != "" {
		return p.MediaType
	}
	switch strings.ToLower(path.Ext(p.FileKey)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}
