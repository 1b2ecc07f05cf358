package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/db"
	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
	"github.com/sells-group/studyforge/internal/resolve"
	"github.com/sells-group/studyforge/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// fakeRouter answers each task with a canned reply and records requests.
type fakeRouter struct {
	mu      sync.Mutex
	replies map[model.TaskType]string
	errs    map[model.TaskType]error
	calls   []ai.Request
}

func (f *fakeRouter) Call(_ context.Context, req ai.Request) (*ai.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[req.Task]; err != nil {
		return nil, err
	}
	return &ai.Response{Text: f.replies[req.Task], Provider: model.ProviderAnthropic, Model: "test-model"}, nil
}

func (f *fakeRouter) callsFor(task model.TaskType) []ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ai.Request
	for _, c := range f.calls {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	disp   *dispatch.Dispatcher
	pipe   *Pipeline
	store  *store.SQLStore
	router *fakeRouter
	files  filestore.Store
	res    *resolve.Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d, err := db.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := store.New(d)
	s.SetClock(func() time.Time { return testNow })
	require.NoError(t, s.Migrate(context.Background()))

	files, err := filestore.New(filestore.Config{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)

	router := &fakeRouter{replies: map[model.TaskType]string{}, errs: map[model.TaskType]error{}}
	res := resolve.NewResolver(s, resolve.Config{})
	disp := dispatch.New(s, dispatch.Config{})
	disp.SetClock(func() time.Time { return testNow })
	pipe := New(s, router, res, files)
	pipe.Register(disp)

	return &harness{disp: disp, pipe: pipe, store: s, router: router, files: files, res: res}
}

func (h *harness) seedPage(t *testing.T) (*model.Batch, *model.Page) {
	t.Helper()
	ctx := context.Background()
	b := &model.Batch{Topic: "Upper limb", VisionProvider: model.ProviderAnthropic}
	require.NoError(t, h.store.CreateBatch(ctx, b))
	p := &model.Page{BatchID: b.ID, PageNumber: 1, FileKey: filestore.PageKey(b.ID, 1, ".png"), MediaType: "image/png"}
	require.NoError(t, h.files.Put(ctx, p.FileKey, []byte("page-image"), p.MediaType))
	require.NoError(t, h.store.AddPage(ctx, p))
	return b, p
}

// seedExtracted creates manual content whose extraction completed with the
// given points, bypassing the AI.
func (h *harness) seedExtracted(t *testing.T, points ...string) *model.ApprovedContent {
	t.Helper()
	ctx := context.Background()
	c := &model.ApprovedContent{Text: "manual note", ApprovedBy: "tester"}
	require.NoError(t, h.store.CreateContent(ctx, c))
	_, err := h.store.EnqueueJob(ctx, &model.StageJob{Stage: model.StageKnowledgeExtraction, UnitID: c.ID, MaxAttempts: 3})
	require.NoError(t, err)
	j, err := h.store.ClaimJob(ctx, model.StageKnowledgeExtraction, testNow)
	require.NoError(t, err)
	require.NotNil(t, j)

	res := store.ExtractionResult{JobID: j.ID, ContentID: c.ID}
	for _, p := range points {
		res.Points = append(res.Points, store.ExtractedPoint{Text: p})
	}
	_, err = h.store.CompleteExtraction(ctx, res)
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T, stage model.Stage) dispatch.Result {
	t.Helper()
	res, err := h.disp.RunOnce(context.Background(), stage)
	require.NoError(t, err)
	return res
}

func TestPipeline_EndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	batch, page := h.seedPage(t)

	median := &model.Concept{Type: model.ConceptNerve, PreferredLabel: "Median nerve"}
	require.NoError(t, h.res.CreateConcept(ctx, median))

	h.router.replies[model.TaskVisionParse] = "```json\n{\"blocks\":[{\"text\":\"The median nerve supplies the thenar muscles.\"},{\"text\":\"  \"}]}\n```"
	h.router.replies[model.TaskContentClassify] = `{"lesson":"Forearm","topic":"","subtopic":"Nerves of the hand","content_type":"lecture","confidence":0.91}`
	h.router.replies[model.TaskKnowledgeExtraction] = `Here you go: {"points":[
		{"text":"The median nerve supplies the thenar muscles.","category":"Innervation","concepts":[{"text":"median  NERVE","type":"nerve"},{"text":"Guyon canal","type":"SPACE"}]},
		{"text":"  "}
	]}`
	h.router.replies[model.TaskFlashcardGeneration] = `{"flashcards":[{"front":"Which nerve supplies the thenar muscles?","back":"Median nerve","points":[1,1,7],"use_visual":true}]}`
	h.router.replies[model.TaskQuestionGeneration] = `{"questions":[{"stem":"Thenar muscles are supplied by?","options":["Ulnar","Median","Radial"],"correct_index":1,"explanation":"Recurrent branch.","points":[1]}]}`

	// Vision parse.
	_, err := h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageVisionParse).Outcome)

	vision := h.router.callsFor(model.TaskVisionParse)
	require.Len(t, vision, 1)
	assert.Equal(t, batch.ID, vision[0].BatchID)
	assert.Equal(t, page.ID, vision[0].PageID)
	require.Len(t, vision[0].Images, 1)
	assert.Equal(t, []byte("page-image"), vision[0].Images[0].Data)
	assert.Equal(t, "image/png", vision[0].Images[0].MediaType)
	require.NotNil(t, vision[0].Override)
	assert.Equal(t, model.ProviderAnthropic, vision[0].Override.Provider)

	blocks, err := h.store.ListBlocks(ctx, batch.ID, store.BlockFilter{})
	require.NoError(t, err)
	require.Len(t, blocks, 1, "blank blocks are dropped")
	assert.NotEmpty(t, blocks[0].ClassifyJobID, "classification is chained")

	// Classification.
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageContentClassify).Outcome)
	blk, err := h.store.GetBlock(ctx, blocks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClassificationClassified, blk.ClassificationStatus)
	require.NotNil(t, blk.Suggestion)
	assert.Equal(t, "LECTURE", blk.Suggestion.ContentType)
	assert.Equal(t, "Upper limb", blk.Suggestion.Topic, "empty topic falls back to the batch topic")
	assert.Equal(t, "Nerves of the hand", blk.Suggestion.Subtopic)

	// Human approval, then extraction.
	content, err := h.store.ApproveBlock(ctx, blk.ID, store.ApproveInput{Actor: "reviewer"})
	require.NoError(t, err)
	_, err = h.disp.Enqueue(ctx, model.StageKnowledgeExtraction, content.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageKnowledgeExtraction).Outcome)

	kps, err := h.store.ListKnowledgePoints(ctx, content.ID)
	require.NoError(t, err)
	require.Len(t, kps, 1)
	assert.Equal(t, []string{median.ID}, kps[0].ConceptIDs)
	assert.Equal(t, "Innervation", kps[0].Category)

	hints, err := h.res.ListHints(ctx, store.HintFilter{})
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "guyon canal", hints[0].Normalized)
	assert.Equal(t, 1, hints[0].Occurrences)

	// Generation stages were chained by extraction.
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageFlashcardGeneration).Outcome)
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageQuestionGeneration).Outcome)

	cards, err := h.store.ListFlashcards(ctx, store.ArtifactFilter{ContentID: content.ID})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, []string{kps[0].ID}, cards[0].KnowledgePointIDs, "duplicate and out-of-range numbers are dropped")
	assert.True(t, cards[0].UseVisual)
	assert.Equal(t, model.ApprovalDraft, cards[0].ApprovalStatus)

	qs, err := h.store.ListQuestions(ctx, store.ArtifactFilter{ContentID: content.ID})
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, 1, qs[0].CorrectIndex)
	assert.Equal(t, []string{kps[0].ID}, qs[0].KnowledgePointIDs)

	got, err := h.store.GetContent(ctx, content.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusDone, got.ExtractionStatus)
	assert.Equal(t, model.StageStatusDone, got.FlashcardStatus)
	assert.Equal(t, model.StageStatusDone, got.QuestionStatus)
}

func TestVisionParse_RedeliveryIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	batch, page := h.seedPage(t)
	h.router.replies[model.TaskVisionParse] = `{"blocks":[{"text":"Brachial plexus roots C5-T1."}]}`

	handle, err := h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, nil)
	require.NoError(t, err)
	h.run(t, model.StageVisionParse)

	job, err := h.store.GetJob(ctx, handle.JobID)
	require.NoError(t, err)
	require.NoError(t, h.pipe.VisionParse(ctx, job))

	assert.Len(t, h.router.callsFor(model.TaskVisionParse), 1)
	blocks, err := h.store.ListBlocks(ctx, batch.ID, store.BlockFilter{})
	require.NoError(t, err)
	assert.Len(t, blocks, 1)
}

func TestVisionParse_PayloadOverride(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, page := h.seedPage(t)
	h.router.replies[model.TaskVisionParse] = `{"blocks":[]}`

	payload, err := EncodePayload(Payload{Provider: model.ProviderOpenAI, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, payload)
	require.NoError(t, err)
	h.run(t, model.StageVisionParse)

	calls := h.router.callsFor(model.TaskVisionParse)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Override)
	assert.Equal(t, model.ProviderOpenAI, calls[0].Override.Provider)
	assert.Equal(t, "gpt-4o", calls[0].Override.Model)
}

func TestVisionParse_MalformedFailsPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, page := h.seedPage(t)
	h.router.replies[model.TaskVisionParse] = "I could not read this page."

	_, err := h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, nil)
	require.NoError(t, err)
	res := h.run(t, model.StageVisionParse)

	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	require.NotNil(t, res.DLQ)
	assert.Equal(t, "permanent", res.DLQ.ErrorType)
	assert.Equal(t, resilience.KindMalformed, res.DLQ.ErrorKind)
	assert.Len(t, h.router.callsFor(model.TaskVisionParse), 1, "malformed output is not retried")

	p, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, p.OCRStatus)
}

func TestVisionParse_MissingImageIsNotRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, page := h.seedPage(t)
	require.NoError(t, h.files.Delete(ctx, page.FileKey))

	_, err := h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, nil)
	require.NoError(t, err)
	res := h.run(t, model.StageVisionParse)

	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.Equal(t, resilience.KindRejected, res.DLQ.ErrorKind)
	assert.Empty(t, h.router.calls)

	p, err := h.store.GetPage(ctx, page.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, p.OCRStatus)
}

func TestClassify_TransientIsRescheduled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	_, page := h.seedPage(t)
	h.router.replies[model.TaskVisionParse] = `{"blocks":[{"text":"Ulnar nerve at the elbow."}]}`
	h.router.errs[model.TaskContentClassify] = resilience.NewTransientError(errors.New("overloaded"), 529)

	_, err := h.disp.Enqueue(ctx, model.StageVisionParse, page.ID, nil)
	require.NoError(t, err)
	h.run(t, model.StageVisionParse)

	res := h.run(t, model.StageContentClassify)
	assert.Equal(t, dispatch.OutcomeRescheduled, res.Outcome)
	assert.Equal(t, testNow.Add(2*time.Second), res.RunAt)
}

func TestGenerateFlashcards_NoPointsSkipsCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	c := h.seedExtracted(t)

	_, err := h.disp.Enqueue(ctx, model.StageFlashcardGeneration, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeSucceeded, h.run(t, model.StageFlashcardGeneration).Outcome)
	assert.Empty(t, h.router.calls)

	got, err := h.store.GetContent(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusDone, got.FlashcardStatus)
}

func TestGenerateFlashcards_EmptyResponseIsMalformed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	c := h.seedExtracted(t, "The radial nerve winds around the humerus.")
	h.router.replies[model.TaskFlashcardGeneration] = `{"flashcards":[{"front":"","back":"x"}]}`

	_, err := h.disp.Enqueue(ctx, model.StageFlashcardGeneration, c.ID, nil)
	require.NoError(t, err)
	res := h.run(t, model.StageFlashcardGeneration)
	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.Equal(t, resilience.KindMalformed, resilience.KindOf(res.Err))
}

func TestGenerateQuestions_InvalidQuestionIsMalformed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	c := h.seedExtracted(t, "The axillary nerve supplies deltoid.")
	h.router.replies[model.TaskQuestionGeneration] = `{"questions":[{"stem":"Deltoid is supplied by?","options":["Axillary","Radial"],"correct_index":4}]}`

	_, err := h.disp.Enqueue(ctx, model.StageQuestionGeneration, c.ID, nil)
	require.NoError(t, err)
	res := h.run(t, model.StageQuestionGeneration)
	assert.Equal(t, dispatch.OutcomeFailed, res.Outcome)
	assert.True(t, resilience.IsTerminal(res.Err))

	got, err := h.store.GetContent(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, got.QuestionStatus)
}

func TestEncodePayload(t *testing.T) {
	t.Parallel()
	b, err := EncodePayload(Payload{})
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = EncodePayload(Payload{Provider: "mistral"})
	assert.True(t, model.IsValidation(err))

	_, err = override(&model.StageJob{ID: "j1", Payload: []byte("{")})
	assert.True(t, resilience.IsTerminal(err))
}

func TestCleanJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "bare fence", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose", in: `Sure! {"a":1} Hope this helps.`, want: `{"a":1}`},
		{name: "no object", in: "nothing here", want: "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestMediaType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "image/webp", mediaType(&model.Page{MediaType: "image/webp"}))
	assert.Equal(t, "image/jpeg", mediaType(&model.Page{FileKey: "a/b.JPG"}))
	assert.Equal(t, "image/png", mediaType(&model.Page{FileKey: "a/b"}))
}
