package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "studyforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := New(d)
	s.SetClock(func() time.Time { return testNow })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedBatch(t *testing.T, s *SQLStore, pages int) (*model.Batch, []model.Page) {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{Topic: "Anatomy", VisionProvider: model.ProviderAnthropic}
	require.NoError(t, s.CreateBatch(ctx, b))

	out := make([]model.Page, 0, pages)
	for i := 1; i <= pages; i++ {
		p := &model.Page{BatchID: b.ID, PageNumber: i, FileKey: "uploads/" + b.ID + "/" + string(rune('0'+i)) + ".png"}
		require.NoError(t, s.AddPage(ctx, p))
		out = append(out, *p)
	}
	return b, out
}

func runJob(t *testing.T, s *SQLStore, stage model.Stage, unitID string) *model.StageJob {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnqueueJob(ctx, &model.StageJob{Stage: stage, UnitID: unitID, MaxAttempts: 3})
	require.NoError(t, err)
	j, err := s.ClaimJob(ctx, stage, testNow)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, unitID, j.UnitID)
	return j
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.db.QueryRow(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCreateBatch_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateBatch(ctx, &model.Batch{})
	assert.True(t, model.IsValidation(err))

	err = s.CreateBatch(ctx, &model.Batch{Topic: "Anatomy", VisionProvider: "gemini"})
	assert.True(t, model.IsValidation(err))

	b := &model.Batch{ID: "b-1", Topic: "Anatomy"}
	require.NoError(t, s.CreateBatch(ctx, b))
	assert.Equal(t, model.BatchStatusPending, b.Status)

	err = s.CreateBatch(ctx, &model.Batch{ID: "b-1", Topic: "Anatomy"})
	assert.True(t, model.IsStateConflict(err))
}

func TestAddPage_MovesBatchToProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, pages := seedBatch(t, s, 1)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusProcessing, got.Status)

	dup := &model.Page{BatchID: b.ID, PageNumber: pages[0].PageNumber, FileKey: "x.png"}
	assert.True(t, model.IsStateConflict(s.AddPage(ctx, dup)))
}

func TestVisionParse_TwoPagesClassifyBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, pages := seedBatch(t, s, 2)

	for i, p := range pages {
		j := runJob(t, s, model.StageVisionParse, p.ID)
		blocks, err := s.CompletePageVision(ctx, j.ID, p.ID, []model.ParsedBlock{
			{Text: "The brachial plexus arises from C5-T1."},
			{Text: "Step 1. Palpate the pulse\nStep 2. Compress"},
		})
		require.NoError(t, err)
		require.Len(t, blocks, 2)
		assert.Equal(t, model.BlockTypeText, blocks[0].BlockType)
		assert.Equal(t, model.BlockTypeAlgorithm, blocks[1].BlockType)

		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, model.BatchStatusProcessing, got.Status)
		} else {
			assert.Equal(t, model.BatchStatusClassified, got.Status)
		}
	}

	blocks, err := s.ListBlocks(ctx, b.ID, BlockFilter{})
	require.NoError(t, err)
	assert.Len(t, blocks, 4)
	assert.Equal(t, pages[0].ID, blocks[0].PageID)

	counts, err := s.PipelineCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pages.Done)
	assert.Equal(t, 4, counts.Blocks.Total)
	assert.Equal(t, 0, counts.Blocks.ReviewReady)
}

func TestVisionParse_TableBlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, pages := seedBatch(t, s, 1)

	j := runJob(t, s, model.StageVisionParse, pages[0].ID)
	blocks, err := s.CompletePageVision(ctx, j.ID, pages[0].ID, []model.ParsedBlock{
		{TableData: [][]string{{"Nerve", "Root"}, {"Median", "C6-T1"}}},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, model.BlockTypeTable, blocks[0].BlockType)

	got, err := s.GetBlock(ctx, blocks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Nerve", "Root"}, {"Median", "C6-T1"}}, got.TableData)
}

func TestCompletePageVision_RedeliveryWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, pages := seedBatch(t, s, 1)

	j := runJob(t, s, model.StageVisionParse, pages[0].ID)
	parsed := []model.ParsedBlock{{Text: "Ulnar nerve"}}
	_, err := s.CompletePageVision(ctx, j.ID, pages[0].ID, parsed)
	require.NoError(t, err)

	again, err := s.CompletePageVision(ctx, j.ID, pages[0].ID, parsed)
	require.NoError(t, err)
	assert.Empty(t, again)

	blocks, err := s.ListBlocks(ctx, b.ID, BlockFilter{})
	require.NoError(t, err)
	assert.Len(t, blocks, 1)

	job, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, job.Status)
}

func TestEnqueueJob_AtMostOneActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, pages := seedBatch(t, s, 1)

	first, err := s.EnqueueJob(ctx, &model.StageJob{Stage: model.StageVisionParse, UnitID: pages[0].ID, MaxAttempts: 3})
	require.NoError(t, err)

	_, err = s.EnqueueJob(ctx, &model.StageJob{Stage: model.StageVisionParse, UnitID: pages[0].ID, MaxAttempts: 3})
	var conflict *model.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.JobID, conflict.Handle)
	assert.Equal(t, ErrJobActive, conflict.Reason)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusQueued, p.OCRStatus)
	assert.Equal(t, first.JobID, p.OCRJobID)
}

func TestClaimJob_RespectsRunAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, pages := seedBatch(t, s, 1)

	_, err := s.EnqueueJob(ctx, &model.StageJob{
		Stage: model.StageVisionParse, UnitID: pages[0].ID, MaxAttempts: 3, RunAt: testNow.Add(time.Minute),
	})
	require.NoError(t, err)

	j, err := s.ClaimJob(ctx, model.StageVisionParse, testNow)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = s.ClaimJob(ctx, model.StageVisionParse, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, model.JobRunning, j.Status)

	require.NoError(t, s.RescheduleJob(ctx, j.ID, testNow.Add(3*time.Minute), "rate limited"))
	j, err = s.ClaimJob(ctx, model.StageVisionParse, testNow.Add(4*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
}

func TestFailJob_DeadLetterAndRetrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, pages := seedBatch(t, s, 1)

	j := runJob(t, s, model.StageVisionParse, pages[0].ID)
	entry := resilience.NewDLQEntry(*j, resilience.NewTerminalError(errors.New("unreadable image"), "malformed"), testNow)
	dl, err := s.FailJob(ctx, j.ID, entry)
	require.NoError(t, err)
	assert.Equal(t, "permanent", dl.ErrorType)

	p, err := s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, p.OCRStatus)
	assert.Equal(t, "unreadable image", p.Error)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, got.Status)

	entries, err := s.ListDLQ(ctx, resilience.DLQFilter{Stage: model.StageVisionParse})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	handle, err := s.Retrigger(ctx, entries[0].ID, "ops@example.com", 3, testNow)
	require.NoError(t, err)
	assert.Equal(t, pages[0].ID, handle.UnitID)

	p, err = s.GetPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusQueued, p.OCRStatus)

	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusProcessing, got.Status)

	entries, err = s.ListDLQ(ctx, resilience.DLQFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	overrides, err := s.ListOverrides(ctx, pages[0].ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, "FAILED", overrides[0].From)
	assert.Equal(t, "PENDING", overrides[0].To)
	assert.Equal(t, "ops@example.com", overrides[0].Actor)
}

func TestOverrideStatus_RejectsActiveJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, pages := seedBatch(t, s, 1)
	runJob(t, s, model.StageVisionParse, pages[0].ID)

	err := s.OverrideStatus(ctx, model.StatusOverride{
		Entity: model.UnitPage, EntityID: pages[0].ID, Field: "ocr_status", To: "PENDING", Actor: "ops",
	})
	assert.True(t, model.IsStateConflict(err))

	err = s.OverrideStatus(ctx, model.StatusOverride{
		Entity: model.UnitPage, EntityID: pages[0].ID, Field: "file_key", To: "x", Actor: "ops",
	})
	assert.True(t, model.IsValidation(err), "unknown field is invalid even while a job is active")

	err = s.OverrideStatus(ctx, model.StatusOverride{
		Entity: model.UnitPage, EntityID: pages[0].ID, Field: "ocr_status", Actor: "ops",
	})
	assert.True(t, model.IsValidation(err), "empty target state is invalid even while a job is active")
}

// classifiedBlock runs a one-page batch through vision and classification.
func classifiedBlock(t *testing.T, s *SQLStore) (*model.Batch, *model.Block) {
	t.Helper()
	ctx := context.Background()
	b, pages := seedBatch(t, s, 1)
	j := runJob(t, s, model.StageVisionParse, pages[0].ID)
	blocks, err := s.CompletePageVision(ctx, j.ID, pages[0].ID, []model.ParsedBlock{
		{Text: "The median nerve supplies the thenar muscles."},
	})
	require.NoError(t, err)

	cj := runJob(t, s, model.StageContentClassify, blocks[0].ID)
	blk, err := s.CompleteClassification(ctx, cj.ID, blocks[0].ID, model.Suggestion{
		Subtopic: "Upper Limb", ContentType: "fact", Confidence: 1.4,
	})
	require.NoError(t, err)
	return b, blk
}

func TestCompleteClassification_CreatesSubtopicOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, blk := classifiedBlock(t, s)

	assert.Equal(t, model.ClassificationClassified, blk.ClassificationStatus)
	assert.InDelta(t, 1.0, blk.Suggestion.Confidence, 1e-9)
	require.NotEmpty(t, blk.SubtopicID)

	st, err := s.EnsureSubtopic(ctx, b.Topic, "  upper   LIMB ")
	require.NoError(t, err)
	assert.Equal(t, blk.SubtopicID, st.ID)

	subs, err := s.ListSubtopics(ctx, b.Topic)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestApproveBlock_SettlesBatchAndStartsContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, blk := classifiedBlock(t, s)

	c, err := s.ApproveBlock(ctx, blk.ID, ApproveInput{Actor: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, blk.Text, c.Text)
	assert.Equal(t, "fact", c.Category)
	assert.Equal(t, blk.SubtopicID, c.SubtopicID)
	assert.Equal(t, 1, c.Revision)
	assert.Equal(t, model.StageStatusPending, c.ExtractionStatus)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusReviewed, got.Status)

	_, err = s.ApproveBlock(ctx, blk.ID, ApproveInput{Actor: "reviewer"})
	assert.True(t, model.IsStateConflict(err))

	_, err = s.EnqueueJob(ctx, &model.StageJob{Stage: model.StageFlashcardGeneration, UnitID: c.ID, MaxAttempts: 3})
	assert.True(t, model.IsStateConflict(err), "generation needs extracted knowledge")
}

func TestCompleteExtraction_HintOccurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, _ := seedBatch(t, s, 1)

	extract := func(text string) {
		c := &model.ApprovedContent{BatchID: b.ID, Text: text, ApprovedBy: "reviewer"}
		require.NoError(t, s.CreateContent(ctx, c))
		j := runJob(t, s, model.StageKnowledgeExtraction, c.ID)
		kps, err := s.CompleteExtraction(ctx, ExtractionResult{
			JobID: j.ID, ContentID: c.ID,
			Points: []ExtractedPoint{{
				Text:  text,
				Hints: []model.HintMention{{Normalized: "nerve of bell", RawText: "Nerve of Bell"}},
			}},
		})
		require.NoError(t, err)
		require.Len(t, kps, 1)
	}

	extract("The nerve of Bell supplies serratus anterior.")
	hints, err := s.ListHints(ctx, HintFilter{Status: model.HintPending})
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, 1, hints[0].Occurrences)

	extract("Injury to the nerve of Bell causes a winged scapula.")
	h, err := s.GetHint(ctx, hints[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Occurrences)
	assert.Equal(t, []model.HintSource{{BatchID: b.ID}}, h.Sources)

	stats, err := s.HintStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 2, stats.PendingOccurrences)
	require.Len(t, stats.TopPending, 1)
}

func TestCompleteFlashcards_VisualPublish(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, _ := seedBatch(t, s, 1)

	c := &model.ApprovedContent{BatchID: b.ID, Text: "Median nerve lesion gives ape hand.", ApprovedBy: "reviewer"}
	require.NoError(t, s.CreateContent(ctx, c))
	ej := runJob(t, s, model.StageKnowledgeExtraction, c.ID)
	_, err := s.CompleteExtraction(ctx, ExtractionResult{JobID: ej.ID, ContentID: c.ID,
		Points: []ExtractedPoint{{Text: "Median nerve lesion gives ape hand."}}})
	require.NoError(t, err)

	fj := runJob(t, s, model.StageFlashcardGeneration, c.ID)
	cards, err := s.CompleteFlashcards(ctx, fj.ID, c.ID, []model.Flashcard{
		{Front: "Ape hand?", Back: "Median nerve", UseVisual: true},
	})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	card := cards[0]
	assert.Equal(t, model.VisualRequired, card.VisualStatus)

	_, err = s.DecideFlashcard(ctx, card.ID, model.ApprovalApproved)
	require.NoError(t, err)

	_, err = s.PublishFlashcard(ctx, card.ID)
	assert.True(t, model.IsStateConflict(err), "visual missing")

	counts, err := s.PipelineCounts(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Flashcards.AwaitingVisual)
	assert.Equal(t, 0, counts.Flashcards.Publishable)

	_, err = s.AttachFlashcardVisual(ctx, card.ID, "visuals/ape-hand.png")
	require.NoError(t, err)

	published, err := s.PublishFlashcard(ctx, card.ID)
	require.NoError(t, err)
	require.NotNil(t, published.PublishedAt)

	again, err := s.PublishFlashcard(ctx, card.ID)
	require.NoError(t, err)
	assert.NotNil(t, again.PublishedAt)

	_, err = s.AttachFlashcardVisual(ctx, card.ID, "visuals/other.png")
	assert.True(t, model.IsStateConflict(err))
}

func TestDeleteBatch_ReturnsFileKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b, pages := seedBatch(t, s, 2)
	runJob(t, s, model.StageVisionParse, pages[0].ID)

	keys, err := s.DeleteBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pages[0].FileKey, pages[1].FileKey}, keys)

	_, err = s.GetBatch(ctx, b.ID)
	assert.True(t, model.IsNotFound(err))
}

func TestUsageLedger_Sums(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cost := 0.25

	records := []model.UsageRecord{
		{Task: model.TaskVisionParse, Provider: model.ProviderAnthropic, Model: "claude", InputTokens: 1000,
			OutputTokens: 200, Cost: &cost, Success: true, BatchID: "b-1", CreatedAt: testNow},
		{Task: model.TaskVisionParse, Provider: model.ProviderAnthropic, Model: "claude", InputTokens: 500,
			Success: false, ErrorKind: "timeout", BatchID: "b-1", CreatedAt: testNow.Add(time.Minute)},
		{Task: model.TaskContentClassify, Provider: model.ProviderOpenAI, Model: "unknown-model", InputTokens: 10,
			OutputTokens: 5, Success: true, CreatedAt: testNow.AddDate(0, 0, 1)},
	}
	for i := range records {
		require.NoError(t, s.RecordUsage(ctx, &records[i]))
	}

	total, err := s.UsageSummary(ctx, UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total.Calls)
	assert.Equal(t, int64(1), total.FailedCalls)
	assert.Equal(t, int64(1510), total.InputTokens)
	assert.InDelta(t, 0.25, total.Cost, 1e-9)
	assert.Equal(t, int64(2), total.UnpricedCalls)

	days, err := s.UsageByDay(ctx, UsageFilter{From: "2026-03-14", To: "2026-03-14"})
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(2), days[0].Calls)

	byTask, err := s.UsageByTask(ctx, UsageFilter{})
	require.NoError(t, err)
	require.Len(t, byTask, 2)

	batch, err := s.UsageByBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Len(t, batch.Records, 2)
	assert.Equal(t, int64(2), batch.Totals.Calls)

	_, err = s.UsageSummary(ctx, UsageFilter{From: "2026-03-15", To: "2026-03-14"})
	assert.True(t, model.IsValidation(err))
}

func TestHealthStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, pages := seedBatch(t, s, 2)

	j := runJob(t, s, model.StageVisionParse, pages[0].ID)
	_, err := s.FailJob(ctx, j.ID, resilience.NewDLQEntry(*j, errors.New("boom"), testNow))
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, &model.StageJob{Stage: model.StageVisionParse, UnitID: pages[1].ID, MaxAttempts: 3})
	require.NoError(t, err)

	h, err := s.HealthStats(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, h.FailedPages)
	assert.Equal(t, 1, h.DLQDepth)
	assert.Equal(t, 1, h.Jobs[model.StageVisionParse][model.JobQueued])
	assert.Equal(t, 1, h.Jobs[model.StageVisionParse][model.JobFailed])
	require.NotNil(t, h.OldestQueued)
	assert.True(t, h.OldestQueued.Equal(testNow))
}
